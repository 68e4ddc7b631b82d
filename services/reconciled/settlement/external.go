package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"

	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/reference"
)

// External is a settlement confirmed outside the chain, typically by a fiat
// off-ramp provider paying the same target.
type External struct {
	Reference   reference.Reference
	Provider    string
	ProviderRef string
	// Amount is in the smallest unit of Currency.
	Amount    string
	Decimals  uint8
	Currency  string
	SettledAt time.Time
}

// SettleExternal marks the referenced target paid through the same locked
// target transaction the on-chain path uses. Losing the race to another
// payment returns OutcomeAlreadyApplied and records a duplicate_payment anomaly.
func (a *Applier) SettleExternal(ctx context.Context, ext External) (Result, error) {
	provider := strings.ToLower(strings.TrimSpace(ext.Provider))
	providerRef := strings.TrimSpace(ext.ProviderRef)
	if provider == "" || providerRef == "" {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("settlement: provider and provider reference required")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(ext.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("%w: external amount %q", ErrInvalidAmount, ext.Amount)
	}
	at := ext.SettledAt
	if at.IsZero() {
		at = a.now()
	}
	pay := payment{
		channel:  models.ChannelOffRamp,
		network:  provider,
		txHash:   providerRef,
		credited: amount,
		fee:      "0",
		decimals: ext.Decimals,
		symbol:   strings.ToUpper(strings.TrimSpace(ext.Currency)),
		at:       at.UTC(),
	}

	start := time.Now()
	applyCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var out settled
	err := a.db.WithContext(applyCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = a.settleTarget(applyCtx, tx, ext.Reference, pay)
		return err
	})
	if err != nil {
		a.metrics.RecordSettlement(provider, string(OutcomeFailed), time.Since(start))
		return Result{Outcome: OutcomeFailed, Target: ext.Reference}, fmt.Errorf("settlement: external %s/%s: %w", provider, providerRef, err)
	}
	res := out.result
	res.Target = ext.Reference
	a.metrics.RecordSettlement(provider, string(res.Outcome), time.Since(start))
	a.afterCommit(ctx, res, out.notice)
	return res, nil
}
