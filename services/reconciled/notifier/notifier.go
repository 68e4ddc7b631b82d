// Package notifier delivers best-effort settlement notifications. Nothing in
// here participates in the settlement transaction: a lost notification never
// un-pays a target.
package notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement describes a target that has just been marked paid.
type Settlement struct {
	TargetKind string
	TargetID   uuid.UUID
	// Amount is the credited amount in the token's smallest unit.
	Amount    string
	Decimals  uint8
	Symbol    string
	Network   string
	TxHash    string
	Channel   string
	SettledAt time.Time
}

// DisplayAmount scales Amount by the token decimals.
func (s Settlement) DisplayAmount() decimal.Decimal {
	amount, err := decimal.NewFromString(s.Amount)
	if err != nil {
		return decimal.Zero
	}
	return amount.Shift(-int32(s.Decimals))
}

// Notifier receives settlement notifications.
type Notifier interface {
	NotifySettled(ctx context.Context, s Settlement) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, s Settlement) error

// NotifySettled calls f.
func (f Func) NotifySettled(ctx context.Context, s Settlement) error {
	return f(ctx, s)
}

// LogNotifier writes settlements to a structured logger. It is the default
// downstream when no webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// NotifySettled logs the settlement.
func (n LogNotifier) NotifySettled(ctx context.Context, s Settlement) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "target settled",
		slog.String("target_kind", s.TargetKind),
		slog.String("target_id", s.TargetID.String()),
		slog.String("amount", s.DisplayAmount().String()),
		slog.String("symbol", s.Symbol),
		slog.String("network", s.Network),
		slog.String("tx_hash", s.TxHash),
		slog.String("channel", s.Channel))
	return nil
}
