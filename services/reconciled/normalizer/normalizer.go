package normalizer

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"chainsettle/services/reconciled/chain"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/registry"
)

// UnknownTokenSymbol labels payments made in a token missing from the registry.
const UnknownTokenSymbol = "UNKNOWN"

// MalformedEventError reports a sighting that cannot be decoded into a payment.
type MalformedEventError struct {
	Network string
	TxHash  string
	Reason  string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("normalizer: malformed %s event %s: %s", e.Network, e.TxHash, e.Reason)
}

// Normalizer converts raw escrow logs into canonical payment events.
type Normalizer struct {
	registry *registry.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Normalizer.
type Option func(*Normalizer)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock overrides the clock used for created-at stamps.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// New constructs a normalizer bound to the network registry.
func New(reg *registry.Registry, opts ...Option) *Normalizer {
	n := &Normalizer{registry: reg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize decodes a PaymentReceived sighting. Sightings that do not match the
// escrow contract's event shape are rejected with *MalformedEventError and never
// coerced. Infra-free: the only lookup is the registry token table.
func (n *Normalizer) Normalize(network string, s chain.RawSighting) (models.PaymentEvent, error) {
	cfg, err := n.registry.Resolve(network)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	malformed := func(format string, args ...any) error {
		err := &MalformedEventError{Network: cfg.ID, TxHash: s.TxHash.Hex(), Reason: fmt.Sprintf(format, args...)}
		n.logger.Warn("malformed escrow sighting",
			slog.String("network", cfg.ID),
			slog.String("tx_hash", err.TxHash),
			slog.Uint64("block", s.BlockNumber),
			slog.String("reason", err.Reason),
		)
		return err
	}

	if s.Removed {
		return models.PaymentEvent{}, malformed("log removed by chain reorganisation")
	}
	if (s.TxHash == common.Hash{}) {
		return models.PaymentEvent{}, malformed("missing transaction hash")
	}
	if s.Address != cfg.EscrowAddress {
		return models.PaymentEvent{}, malformed("emitted by %s, expected escrow %s", s.Address.Hex(), cfg.EscrowAddress.Hex())
	}
	if len(s.Topics) != 3 {
		return models.PaymentEvent{}, malformed("expected 3 topics, got %d", len(s.Topics))
	}
	if s.Topics[0] != chain.PaymentReceivedTopic {
		return models.PaymentEvent{}, malformed("unexpected event signature %s", s.Topics[0].Hex())
	}

	values, err := chain.PaymentReceivedData().Unpack(s.Data)
	if err != nil {
		return models.PaymentEvent{}, malformed("decode data: %v", err)
	}
	if len(values) != 4 {
		return models.PaymentEvent{}, malformed("expected 4 data arguments, got %d", len(values))
	}
	token, ok := values[0].(common.Address)
	if !ok {
		return models.PaymentEvent{}, malformed("token argument has type %T", values[0])
	}
	grossBig, ok := values[1].(*big.Int)
	if !ok {
		return models.PaymentEvent{}, malformed("amount argument has type %T", values[1])
	}
	feeBig, ok := values[2].(*big.Int)
	if !ok {
		return models.PaymentEvent{}, malformed("fee argument has type %T", values[2])
	}
	reference, ok := values[3].(string)
	if !ok {
		return models.PaymentEvent{}, malformed("reference argument has type %T", values[3])
	}
	if len(reference) > models.MaxReferenceLength {
		return models.PaymentEvent{}, malformed("reference is %d bytes, limit %d", len(reference), models.MaxReferenceLength)
	}
	if !utf8.ValidString(reference) || strings.ContainsRune(reference, 0) {
		return models.PaymentEvent{}, malformed("reference is not valid UTF-8 text")
	}

	gross, overflow := uint256.FromBig(grossBig)
	if overflow {
		return models.PaymentEvent{}, malformed("amount overflows 256 bits")
	}
	fee, overflow := uint256.FromBig(feeBig)
	if overflow {
		return models.PaymentEvent{}, malformed("fee overflows 256 bits")
	}
	if gross.IsZero() {
		return models.PaymentEvent{}, malformed("zero amount")
	}
	if fee.Gt(gross) {
		return models.PaymentEvent{}, malformed("fee %s exceeds amount %s", fee.Dec(), gross.Dec())
	}

	symbol := UnknownTokenSymbol
	var decimals uint8
	if tok, found := cfg.TokenByAddress(token); found {
		symbol = tok.Symbol
		decimals = tok.Decimals
	} else {
		n.logger.Warn("payment in unregistered token",
			slog.String("network", cfg.ID),
			slog.String("tx_hash", s.TxHash.Hex()),
			slog.String("token", token.Hex()),
		)
	}

	status := models.StatusPending
	if s.Confirmations >= cfg.Confirmations() {
		status = models.StatusConfirmed
	}
	blockTime := s.BlockTime.UTC()
	if s.BlockTime.IsZero() {
		blockTime = n.now().UTC()
	}
	now := n.now().UTC()

	return models.PaymentEvent{
		ID:            uuid.New(),
		Network:       cfg.ID,
		TxHash:        strings.ToLower(s.TxHash.Hex()),
		LogIndex:      s.LogIndex,
		Payer:         strings.ToLower(common.BytesToAddress(s.Topics[1].Bytes()).Hex()),
		Payee:         strings.ToLower(common.BytesToAddress(s.Topics[2].Bytes()).Hex()),
		GrossAmount:   gross.Dec(),
		Fee:           fee.Dec(),
		TokenAddress:  strings.ToLower(token.Hex()),
		TokenSymbol:   symbol,
		TokenDecimals: decimals,
		BlockNumber:   s.BlockNumber,
		BlockTime:     blockTime,
		Reference:     reference,
		Source:        s.Source,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
