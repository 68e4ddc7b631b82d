package eventstore

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
)

var (
	// ErrNotFound indicates no event exists for the (network, tx hash) key.
	ErrNotFound = errors.New("eventstore: event not found")
	// ErrInvalidTransition rejects status changes that would move an event backwards.
	ErrInvalidTransition = errors.New("eventstore: invalid status transition")
)

// transitions lists the forward-only status graph.
var transitions = map[models.EventStatus][]models.EventStatus{
	models.StatusPending:   {models.StatusConfirmed, models.StatusOrphaned, models.StatusFailed},
	models.StatusConfirmed: {models.StatusApplying, models.StatusOrphaned, models.StatusFailed},
	models.StatusApplying:  {models.StatusApplied, models.StatusOrphaned, models.StatusFailed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to models.EventStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store persists payment events. The unique (network, tx_hash) insert and the
// conditional status update are the engine's idempotency boundary.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a store backed by the provided database.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx returns a store bound to an open transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, now: s.now}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock reading in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// InsertResult reports the outcome of InsertIfAbsent.
type InsertResult struct {
	Inserted bool
	// Event is the stored row: the new one when inserted, the untouched existing one otherwise.
	Event models.PaymentEvent
}

// InsertIfAbsent writes the event unless a row for (network, tx_hash) already
// exists, in which case the existing row is returned unmodified.
func (s *Store) InsertIfAbsent(ctx context.Context, event models.PaymentEvent) (InsertResult, error) {
	event.Network = strings.ToLower(strings.TrimSpace(event.Network))
	event.TxHash = strings.ToLower(strings.TrimSpace(event.TxHash))
	if event.Network == "" || event.TxHash == "" {
		return InsertResult{}, fmt.Errorf("eventstore: network and tx hash required")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	now := s.Now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = now
	}
	if event.Status == "" {
		event.Status = models.StatusPending
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "network"}, {Name: "tx_hash"}},
			DoNothing: true,
		}).
		Create(&event)
	if res.Error != nil {
		return InsertResult{}, fmt.Errorf("eventstore: insert %s/%s: %w", event.Network, event.TxHash, res.Error)
	}
	if res.RowsAffected == 1 {
		return InsertResult{Inserted: true, Event: event}, nil
	}
	existing, err := s.Get(ctx, event.Network, event.TxHash)
	if err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Event: existing}, nil
}

// Get loads the event for (network, tx hash).
func (s *Store) Get(ctx context.Context, network, txHash string) (models.PaymentEvent, error) {
	var event models.PaymentEvent
	err := s.db.WithContext(ctx).
		Where("network = ? AND tx_hash = ?", strings.ToLower(network), strings.ToLower(txHash)).
		Take(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.PaymentEvent{}, ErrNotFound
		}
		return models.PaymentEvent{}, fmt.Errorf("eventstore: load %s/%s: %w", network, txHash, err)
	}
	return event, nil
}

// Change adds a column assignment to a status update.
type Change func(values map[string]any)

// AppliedAt stamps applied_at.
func AppliedAt(at time.Time) Change {
	return func(values map[string]any) { values["applied_at"] = at }
}

// Discrepancy records the signed paid-minus-due difference.
func Discrepancy(amount string) Change {
	return func(values map[string]any) { values["discrepancy"] = amount }
}

// Reason records why the status changed.
func Reason(reason string) Change {
	return func(values map[string]any) { values["status_reason"] = reason }
}

// IncrementAttempts bumps the retry counter.
func IncrementAttempts() Change {
	return func(values map[string]any) { values["attempts"] = gorm.Expr("attempts + 1") }
}

// LastError records the most recent processing error.
func LastError(msg string) Change {
	return func(values map[string]any) { values["last_error"] = msg }
}

// MarkStatus moves an event from one status to another with a conditional
// update. It returns false when the row's current status is not from, which is
// how concurrent callers learn they lost the race.
func (s *Store) MarkStatus(ctx context.Context, network, txHash string, from, to models.EventStatus, changes ...Change) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	values := map[string]any{
		"status":     to,
		"updated_at": s.Now(),
	}
	for _, change := range changes {
		change(values)
	}
	res := s.db.WithContext(ctx).
		Model(&models.PaymentEvent{}).
		Where("network = ? AND tx_hash = ? AND status = ?", strings.ToLower(network), strings.ToLower(txHash), from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("eventstore: mark %s/%s %s -> %s: %w", network, txHash, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimStale re-claims an event stuck in applying since before the cutoff,
// refreshing its timestamp and counting the attempt. Only one caller wins.
func (s *Store) ClaimStale(ctx context.Context, network, txHash string, staleBefore time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.PaymentEvent{}).
		Where("network = ? AND tx_hash = ? AND status = ? AND updated_at < ?",
			strings.ToLower(network), strings.ToLower(txHash), models.StatusApplying, staleBefore.UTC()).
		Updates(map[string]any{
			"updated_at": s.Now(),
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("eventstore: claim stale %s/%s: %w", network, txHash, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RecordFailure stores the last processing error without touching status.
func (s *Store) RecordFailure(ctx context.Context, network, txHash string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := s.db.WithContext(ctx).
		Model(&models.PaymentEvent{}).
		Where("network = ? AND tx_hash = ?", strings.ToLower(network), strings.ToLower(txHash)).
		UpdateColumn("last_error", msg).Error
	if err != nil {
		return fmt.Errorf("eventstore: record failure %s/%s: %w", network, txHash, err)
	}
	return nil
}

// ListByStatus returns events in any of the statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses []models.EventStatus, limit int) ([]models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.PaymentEvent
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("eventstore: list by status: %w", err)
	}
	return events, nil
}

// ListPromotable returns pending events on the network mined at or below
// maxBlock, oldest first.
func (s *Store) ListPromotable(ctx context.Context, network string, maxBlock uint64, limit int) ([]models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.PaymentEvent
	err := s.db.WithContext(ctx).
		Where("network = ? AND status = ? AND block_number <= ?", strings.ToLower(network), models.StatusPending, maxBlock).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("eventstore: list promotable %s: %w", network, err)
	}
	return events, nil
}

// CountPendingFrom counts pending events on the network mined at or above
// fromBlock.
func (s *Store) CountPendingFrom(ctx context.Context, network string, fromBlock uint64) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.PaymentEvent{}).
		Where("network = ? AND status = ? AND block_number >= ?", strings.ToLower(network), models.StatusPending, fromBlock).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("eventstore: count pending %s: %w", network, err)
	}
	return int(count), nil
}

// ListSweepable returns confirmed events and applying events untouched since
// before the cutoff, least recently updated first.
func (s *Store) ListSweepable(ctx context.Context, staleBefore time.Time, limit int) ([]models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.PaymentEvent
	err := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND updated_at < ?)", models.StatusConfirmed, models.StatusApplying, staleBefore.UTC()).
		Order("updated_at ASC").Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("eventstore: list sweepable: %w", err)
	}
	return events, nil
}

// Networks lists the distinct networks referenced by stored events.
func (s *Store) Networks(ctx context.Context) ([]string, error) {
	var networks []string
	err := s.db.WithContext(ctx).
		Model(&models.PaymentEvent{}).
		Distinct().
		Order("network").
		Pluck("network", &networks).Error
	if err != nil {
		return nil, fmt.Errorf("eventstore: list networks: %w", err)
	}
	return networks, nil
}

// RecordRejected retains a malformed sighting. Redelivered rejects are ignored.
func (s *Store) RecordRejected(ctx context.Context, rejected models.RejectedSighting) error {
	if rejected.ID == uuid.Nil {
		rejected.ID = uuid.New()
	}
	if rejected.CreatedAt.IsZero() {
		rejected.CreatedAt = s.Now()
	}
	rejected.Network = strings.ToLower(rejected.Network)
	rejected.TxHash = strings.ToLower(rejected.TxHash)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "network"}, {Name: "tx_hash"}, {Name: "log_index"}},
			DoNothing: true,
		}).
		Create(&rejected).Error
	if err != nil {
		return fmt.Errorf("eventstore: record rejected %s/%s: %w", rejected.Network, rejected.TxHash, err)
	}
	return nil
}

// ListRejected returns the most recent rejected sightings.
func (s *Store) ListRejected(ctx context.Context, limit int) ([]models.RejectedSighting, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.RejectedSighting
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("eventstore: list rejected: %w", err)
	}
	return rows, nil
}

// RecordAnomaly stores an anomaly once per (kind, network, tx hash). It reports
// whether a new row was written.
func (s *Store) RecordAnomaly(ctx context.Context, anomaly models.Anomaly) (bool, error) {
	if anomaly.ID == uuid.Nil {
		anomaly.ID = uuid.New()
	}
	if anomaly.CreatedAt.IsZero() {
		anomaly.CreatedAt = s.Now()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "network"}, {Name: "tx_hash"}},
			DoNothing: true,
		}).
		Create(&anomaly)
	if res.Error != nil {
		return false, fmt.Errorf("eventstore: record anomaly %s: %w", anomaly.Kind, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListAnomalies returns anomalies newest first, optionally filtered by kind.
func (s *Store) ListAnomalies(ctx context.Context, kind models.AnomalyKind, limit int) ([]models.Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	var rows []models.Anomaly
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("eventstore: list anomalies: %w", err)
	}
	return rows, nil
}
