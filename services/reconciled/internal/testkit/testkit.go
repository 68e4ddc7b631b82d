// Package testkit holds fixtures shared by the reconciliation engine's tests.
package testkit

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chainsettle/services/reconciled/chain"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/registry"
)

// Well-known fixture addresses.
var (
	BaseEscrow = common.HexToAddress("0x00000000000000000000000000000000000ba5e0")
	CeloEscrow = common.HexToAddress("0x00000000000000000000000000000000000ce100")
	BaseUSDC   = common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	CeloUSDC   = common.HexToAddress("0xceba9300f2b948710d2653dd7b07f33a8b32118c")
	Payer      = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	Payee      = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

// OpenDB opens a private in-memory sqlite database with the service schema.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))
	return db
}

// Registry returns a registry with base (3 confirmations) and celo (1 confirmation).
func Registry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.NetworkConfig{
		{
			ID:               "base",
			ChainID:          8453,
			RPCEndpoints:     []string{"http://base.invalid"},
			EscrowAddress:    BaseEscrow,
			MinConfirmations: 3,
			Tokens:           map[string]registry.Token{"USDC": {Symbol: "USDC", Address: BaseUSDC, Decimals: 6}},
		},
		{
			ID:               "celo",
			ChainID:          42220,
			RPCEndpoints:     []string{"http://celo.invalid"},
			EscrowAddress:    CeloEscrow,
			MinConfirmations: 1,
			Tokens:           map[string]registry.Token{"USDC": {Symbol: "USDC", Address: CeloUSDC, Decimals: 6}},
		},
	})
	require.NoError(t, err)
	return reg
}

// Payment describes an escrow PaymentReceived log for fixtures.
type Payment struct {
	Network       string
	TxHash        common.Hash
	LogIndex      uint
	Block         uint64
	Amount        int64
	Fee           int64
	Reference     string
	Token         common.Address
	Confirmations uint64
}

// Sighting builds an ABI-encoded raw sighting for the payment.
func Sighting(t *testing.T, p Payment) chain.RawSighting {
	t.Helper()
	escrow, token := BaseEscrow, BaseUSDC
	if p.Network == "celo" {
		escrow, token = CeloEscrow, CeloUSDC
	}
	if (p.Token != common.Address{}) {
		token = p.Token
	}
	if p.Confirmations == 0 {
		p.Confirmations = 12
	}
	data, err := chain.PackPaymentReceived(token, big.NewInt(p.Amount), big.NewInt(p.Fee), p.Reference)
	require.NoError(t, err)
	return chain.RawSighting{
		Network: p.Network,
		Source:  models.SourceRPC,
		Address: escrow,
		Topics: []common.Hash{
			chain.PaymentReceivedTopic,
			common.BytesToHash(Payer.Bytes()),
			common.BytesToHash(Payee.Bytes()),
		},
		Data:          data,
		TxHash:        p.TxHash,
		LogIndex:      p.LogIndex,
		BlockNumber:   p.Block,
		BlockTime:     time.Unix(1_700_000_000+int64(p.Block), 0).UTC(),
		Confirmations: p.Confirmations,
	}
}

// Target inserts a settlement target row of the supplied table.
func Target(t *testing.T, db *gorm.DB, table string, target models.SettlementTarget) models.SettlementTarget {
	t.Helper()
	if target.ID == uuid.Nil {
		target.ID = uuid.New()
	}
	if target.Status == "" {
		target.Status = models.TargetSent
	}
	now := time.Now().UTC()
	target.CreatedAt, target.UpdatedAt = now, now
	require.NoError(t, db.Table(table).Create(&target).Error)
	return target
}

// Hash returns a deterministic transaction hash for the seed.
func Hash(seed string) common.Hash {
	return common.BytesToHash([]byte(seed))
}
