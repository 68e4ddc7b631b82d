package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/reference"
)

var (
	// ErrTargetNotFound indicates the referenced invoice, proposal or payment link does not exist.
	ErrTargetNotFound = errors.New("settlement: target not found")
	// ErrMilestoneNotFound indicates a linked milestone id does not exist.
	ErrMilestoneNotFound = errors.New("settlement: milestone not found")
	// ErrUnknownKind rejects references of an unsupported kind.
	ErrUnknownKind = errors.New("settlement: unknown target kind")
)

// Proof is the proof-of-payment written onto a paid target.
type Proof struct {
	Channel     string
	Network     string
	TxHash      string
	Amount      string
	Fee         string
	Discrepancy string
	PaidAt      time.Time
}

// Label renders the proof as a compact audit string.
func (p Proof) Label() string {
	return fmt.Sprintf("%s:%s:%s", p.Channel, p.Network, p.TxHash)
}

// Targets reads and writes invoices, proposals and payment links. Every method
// runs against the handle it was built with, so a Targets obtained from WithTx
// participates in the caller's transaction.
type Targets struct {
	db *gorm.DB
}

// NewTargets constructs a target store.
func NewTargets(db *gorm.DB) *Targets {
	return &Targets{db: db}
}

// WithTx binds the store to an open transaction.
func (t *Targets) WithTx(tx *gorm.DB) *Targets {
	return &Targets{db: tx}
}

func table(kind reference.Kind) (string, error) {
	name := kind.Table()
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return name, nil
}

// Get loads a target, taking a row lock where the dialect supports it.
func (t *Targets) Get(ctx context.Context, kind reference.Kind, id uuid.UUID) (models.SettlementTarget, error) {
	name, err := table(kind)
	if err != nil {
		return models.SettlementTarget{}, err
	}
	var target models.SettlementTarget
	err = t.db.WithContext(ctx).
		Table(name).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&target).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.SettlementTarget{}, ErrTargetNotFound
		}
		return models.SettlementTarget{}, fmt.Errorf("settlement: load %s %s: %w", kind, id, err)
	}
	return target, nil
}

// Exists implements reference.Lookup.
func (t *Targets) Exists(ctx context.Context, kind reference.Kind, id uuid.UUID) (bool, error) {
	name, err := table(kind)
	if err != nil {
		return false, err
	}
	var count int64
	if err := t.db.WithContext(ctx).Table(name).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("settlement: lookup %s %s: %w", kind, id, err)
	}
	return count > 0, nil
}

// MarkPaid transitions a target to paid unless it already is. The update is
// conditional on the current status so exactly one writer can win; losers get
// alreadyPaid=true.
func (t *Targets) MarkPaid(ctx context.Context, kind reference.Kind, id uuid.UUID, proof Proof) (bool, error) {
	name, err := table(kind)
	if err != nil {
		return false, err
	}
	paidAt := proof.PaidAt.UTC()
	res := t.db.WithContext(ctx).
		Table(name).
		Where("id = ? AND status <> ?", id, models.TargetPaid).
		Updates(map[string]any{
			"status":              models.TargetPaid,
			"paid_at":             paidAt,
			"paid_amount":         proof.Amount,
			"paid_fee":            proof.Fee,
			"payment_channel":     proof.Channel,
			"payment_network":     proof.Network,
			"payment_tx_hash":     proof.TxHash,
			"payment_discrepancy": proof.Discrepancy,
			"updated_at":          paidAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("settlement: mark %s %s paid: %w", kind, id, res.Error)
	}
	if res.RowsAffected == 1 {
		return false, nil
	}
	exists, err := t.Exists(ctx, kind, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrTargetNotFound
	}
	return true, nil
}

// Milestones reads and writes contract milestone payment status.
type Milestones struct {
	db *gorm.DB
}

// NewMilestones constructs a milestone store.
func NewMilestones(db *gorm.DB) *Milestones {
	return &Milestones{db: db}
}

// WithTx binds the store to an open transaction.
func (m *Milestones) WithTx(tx *gorm.DB) *Milestones {
	return &Milestones{db: tx}
}

// MarkMilestonePaid marks a milestone paid. It reports alreadyPaid when another
// settlement got there first.
func (m *Milestones) MarkMilestonePaid(ctx context.Context, id uuid.UUID, proof Proof) (bool, error) {
	paidAt := proof.PaidAt.UTC()
	res := m.db.WithContext(ctx).
		Model(&models.Milestone{}).
		Where("id = ? AND payment_status <> ?", id, models.MilestonePaid).
		Updates(map[string]any{
			"payment_status":    models.MilestonePaid,
			"paid_at":           paidAt,
			"payment_reference": proof.Label(),
			"updated_at":        paidAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("settlement: mark milestone %s paid: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return false, nil
	}
	var count int64
	if err := m.db.WithContext(ctx).Model(&models.Milestone{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("settlement: lookup milestone %s: %w", id, err)
	}
	if count == 0 {
		return false, ErrMilestoneNotFound
	}
	return true, nil
}

// Unpaid lists a contract's unpaid milestones.
func (m *Milestones) Unpaid(ctx context.Context, contractID uuid.UUID) ([]models.Milestone, error) {
	var rows []models.Milestone
	err := m.db.WithContext(ctx).
		Where("contract_id = ? AND payment_status <> ?", contractID, models.MilestonePaid).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("settlement: list milestones for %s: %w", contractID, err)
	}
	return rows, nil
}

func normalizeHex(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
