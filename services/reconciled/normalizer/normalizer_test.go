package normalizer

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"chainsettle/services/reconciled/chain"
	"chainsettle/services/reconciled/internal/testkit"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/registry"
)

const invoiceRef = "invoice_11111111-1111-1111-1111-111111111111"

func TestNormalizeCanonicalFields(t *testing.T) {
	reg := testkit.Registry(t)
	n := New(reg)

	sighting := testkit.Sighting(t, testkit.Payment{
		Network:   "base",
		TxHash:    testkit.Hash("0xabc"),
		LogIndex:  4,
		Block:     120,
		Amount:    100000000,
		Fee:       2500000,
		Reference: " " + invoiceRef + " ",
	})
	evt, err := n.Normalize("BASE", sighting)
	require.NoError(t, err)
	require.Equal(t, "base", evt.Network)
	require.Equal(t, strings.ToLower(testkit.Hash("0xabc").Hex()), evt.TxHash)
	require.Equal(t, uint(4), evt.LogIndex)
	require.Equal(t, "100000000", evt.GrossAmount)
	require.Equal(t, "2500000", evt.Fee)
	require.Equal(t, "USDC", evt.TokenSymbol)
	require.Equal(t, uint8(6), evt.TokenDecimals)
	require.Equal(t, strings.ToLower(testkit.Payer.Hex()), evt.Payer)
	require.Equal(t, strings.ToLower(testkit.Payee.Hex()), evt.Payee)
	require.Equal(t, " "+invoiceRef+" ", evt.Reference)
	require.Equal(t, uint64(120), evt.BlockNumber)
	require.Equal(t, models.StatusConfirmed, evt.Status)
}

func TestNormalizeBelowConfirmationsIsPending(t *testing.T) {
	n := New(testkit.Registry(t))
	sighting := testkit.Sighting(t, testkit.Payment{Network: "base", TxHash: testkit.Hash("p"), Block: 5, Amount: 10, Reference: invoiceRef, Confirmations: 2})
	evt, err := n.Normalize("base", sighting)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, evt.Status)
}

func TestNormalizeUnknownTokenAccepted(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := New(testkit.Registry(t), WithClock(func() time.Time { return now }))
	sighting := testkit.Sighting(t, testkit.Payment{
		Network:   "celo",
		TxHash:    testkit.Hash("u"),
		Amount:    10,
		Reference: invoiceRef,
		Token:     common.HexToAddress("0x0000000000000000000000000000000000000bad"),
	})
	sighting.BlockTime = time.Time{}
	evt, err := n.Normalize("celo", sighting)
	require.NoError(t, err)
	require.Equal(t, UnknownTokenSymbol, evt.TokenSymbol)
	require.Equal(t, uint8(0), evt.TokenDecimals)
	require.Equal(t, now, evt.BlockTime)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	reg := testkit.Registry(t)
	n := New(reg)
	valid := func() chain.RawSighting {
		return testkit.Sighting(t, testkit.Payment{Network: "base", TxHash: testkit.Hash("m"), Amount: 100, Fee: 1, Reference: invoiceRef})
	}
	cases := map[string]func(*chain.RawSighting){
		"removed":                func(s *chain.RawSighting) { s.Removed = true },
		"missing tx hash":        func(s *chain.RawSighting) { s.TxHash = common.Hash{} },
		"wrong emitter":          func(s *chain.RawSighting) { s.Address = testkit.CeloEscrow },
		"missing topic":          func(s *chain.RawSighting) { s.Topics = s.Topics[:2] },
		"wrong signature":        func(s *chain.RawSighting) { s.Topics[0] = testkit.Hash("Transfer") },
		"truncated data":         func(s *chain.RawSighting) { s.Data = s.Data[:64] },
		"empty data":             func(s *chain.RawSighting) { s.Data = nil },
		"fee above amount":       func(s *chain.RawSighting) { s.Data = mustPack(t, 10, 11) },
		"zero amount":            func(s *chain.RawSighting) { s.Data = mustPack(t, 0, 0) },
		"oversize reference":     func(s *chain.RawSighting) { s.Data = mustPackRef(t, "invoice_"+strings.Repeat("x", 300)) },
		"invalid utf8 reference": func(s *chain.RawSighting) { s.Data = mustPackRef(t, "invoice_\xff\xfe") },
		"nul in reference":       func(s *chain.RawSighting) { s.Data = mustPackRef(t, "invoice_\x00") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := valid()
			mutate(&s)
			_, err := n.Normalize("base", s)
			var malformed *MalformedEventError
			require.ErrorAs(t, err, &malformed)
			require.Equal(t, "base", malformed.Network)
			require.NotEmpty(t, malformed.Reason)
		})
	}
}

func TestNormalizeUnknownNetwork(t *testing.T) {
	n := New(testkit.Registry(t))
	_, err := n.Normalize("polygon", chain.RawSighting{})
	var notFound *registry.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func mustPack(t *testing.T, amount, fee int64) []byte {
	t.Helper()
	data, err := chain.PackPaymentReceived(testkit.BaseUSDC, big.NewInt(amount), big.NewInt(fee), invoiceRef)
	require.NoError(t, err)
	return data
}

func mustPackRef(t *testing.T, ref string) []byte {
	t.Helper()
	data, err := chain.PackPaymentReceived(testkit.BaseUSDC, big.NewInt(100), big.NewInt(1), ref)
	require.NoError(t, err)
	return data
}

func TestNormalizeKeepsReferenceAtColumnLimit(t *testing.T) {
	n := New(testkit.Registry(t))
	ref := "invoice_" + strings.Repeat("x", models.MaxReferenceLength-len("invoice_"))
	sighting := testkit.Sighting(t, testkit.Payment{Network: "base", TxHash: testkit.Hash("edge"), Amount: 100, Reference: ref})
	evt, err := n.Normalize("base", sighting)
	require.NoError(t, err)
	require.Equal(t, ref, evt.Reference)
}
