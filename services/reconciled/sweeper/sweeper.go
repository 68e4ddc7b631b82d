// Package sweeper periodically finds payment events that were persisted but
// never settled and drives them to a terminal status.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chainsettle/observability"
	"chainsettle/services/reconciled/eventstore"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/registry"
	"chainsettle/services/reconciled/settlement"
)

// ErrSweepInProgress is returned when Sweep is called while another run holds the lock.
var ErrSweepInProgress = errors.New("sweeper: sweep already in progress")

// ReasonRetriesExhausted is the status reason recorded on escalated events.
const ReasonRetriesExhausted = "retries_exhausted"

// Applier settles a single event.
type Applier interface {
	ResolveAndApply(ctx context.Context, event models.PaymentEvent) (settlement.Result, error)
}

// HeadSource reports the latest observed chain head per network.
type HeadSource interface {
	Head(network string) (uint64, bool)
}

// Config tunes the sweeper.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// StaleAfter is how long an event may sit in applying before the sweeper
	// treats the owning worker as gone.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	return c
}

// Report summarises one sweep.
type Report struct {
	Promoted       int `json:"promoted"`
	Applied        int `json:"applied"`
	AlreadyApplied int `json:"alreadyApplied"`
	Orphaned       int `json:"orphaned"`
	Failed         int `json:"failed"`
	Retried        int `json:"retried"`
	Skipped        int `json:"skipped"`
}

// Sweeper re-drives confirmed and stale events through the applier.
type Sweeper struct {
	cfg      Config
	events   *eventstore.Store
	registry *registry.Registry
	heads    HeadSource
	applier  Applier
	logger   *slog.Logger
	metrics  *observability.ReconciledMetrics
	now      func() time.Time

	mu sync.Mutex
}

// Option customises a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the sweeper logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ReconciledMetrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock overrides the clock used for stale cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a sweeper. heads may be nil, in which case pending events are
// left for redelivery.
func New(cfg Config, events *eventstore.Store, reg *registry.Registry, heads HeadSource, applier Applier, opts ...Option) *Sweeper {
	s := &Sweeper{
		cfg:      cfg.withDefaults(),
		events:   events,
		registry: reg,
		heads:    heads,
		applier:  applier,
		logger:   slog.Default(),
		now:      events.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		report, err := s.Sweep(ctx)
		switch {
		case errors.Is(err, ErrSweepInProgress):
			s.logger.Debug("sweep skipped, previous run still active")
		case err != nil && ctx.Err() == nil:
			s.logger.Error("sweep failed", slog.Any("error", err))
		case err == nil && report != (Report{}):
			s.logger.Info("sweep finished",
				slog.Int("promoted", report.Promoted),
				slog.Int("applied", report.Applied),
				slog.Int("already_applied", report.AlreadyApplied),
				slog.Int("orphaned", report.Orphaned),
				slog.Int("failed", report.Failed),
				slog.Int("retried", report.Retried),
				slog.Int("skipped", report.Skipped))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass. Concurrent calls do not overlap: the loser returns
// ErrSweepInProgress immediately.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if !s.mu.TryLock() {
		s.metrics.RecordSweep("skipped", 0)
		return Report{}, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	start := time.Now()
	var report Report
	err := s.sweep(ctx, &report)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordSweep(result, time.Since(start))
	return report, err
}

func (s *Sweeper) sweep(ctx context.Context, report *Report) error {
	if err := s.promote(ctx, report); err != nil {
		return err
	}
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	rows, err := s.events.ListSweepable(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, event := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if event.Attempts >= s.cfg.MaxAttempts {
			if err := s.escalate(ctx, event, report); err != nil {
				return err
			}
			continue
		}
		res, err := s.applier.ResolveAndApply(ctx, event)
		if err != nil {
			report.Retried++
			s.logger.Warn("sweep retry failed",
				slog.String("network", event.Network),
				slog.String("tx_hash", event.TxHash),
				slog.String("reference", event.Reference),
				slog.Int("attempts", event.Attempts),
				slog.Any("error", err))
			continue
		}
		switch res.Outcome {
		case settlement.OutcomeApplied:
			report.Applied++
		case settlement.OutcomeAlreadyApplied:
			report.AlreadyApplied++
		case settlement.OutcomeOrphaned:
			report.Orphaned++
		case settlement.OutcomeTargetMismatch, settlement.OutcomeFailed:
			report.Failed++
		}
	}
	return nil
}

// promote moves pending events to confirmed once the observed head shows
// enough confirmations. Each configured network is paged on its own so rows
// that cannot be promoted never crowd out ones that can.
func (s *Sweeper) promote(ctx context.Context, report *Report) error {
	for _, cfg := range s.registry.Networks() {
		var head uint64
		ok := false
		if s.heads != nil {
			head, ok = s.heads.Head(cfg.ID)
		}
		conf := cfg.Confirmations()
		if !ok || head+1 < conf {
			waiting, err := s.events.CountPendingFrom(ctx, cfg.ID, 0)
			if err != nil {
				return err
			}
			report.Skipped += waiting
			continue
		}
		maxBlock := head + 1 - conf
		pending, err := s.events.ListPromotable(ctx, cfg.ID, maxBlock, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, event := range pending {
			promoted, err := s.events.MarkStatus(ctx, event.Network, event.TxHash, models.StatusPending, models.StatusConfirmed)
			if err != nil {
				return err
			}
			if promoted {
				report.Promoted++
			}
		}
		waiting, err := s.events.CountPendingFrom(ctx, cfg.ID, maxBlock+1)
		if err != nil {
			return err
		}
		report.Skipped += waiting
	}
	return nil
}

func (s *Sweeper) escalate(ctx context.Context, event models.PaymentEvent, report *Report) error {
	ok, err := s.events.MarkStatus(ctx, event.Network, event.TxHash, event.Status, models.StatusFailed,
		eventstore.Reason(ReasonRetriesExhausted))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	report.Failed++
	created, err := s.events.RecordAnomaly(ctx, models.Anomaly{
		Kind:    models.AnomalyRetriesExhausted,
		Network: event.Network,
		TxHash:  event.TxHash,
		Details: fmt.Sprintf("reference=%q attempts=%d last_error=%q", event.Reference, event.Attempts, event.LastError),
	})
	if err != nil {
		return err
	}
	if created {
		s.metrics.RecordAnomaly(string(models.AnomalyRetriesExhausted))
	}
	s.logger.Error("payment escalated after retries",
		slog.String("network", event.Network),
		slog.String("tx_hash", event.TxHash),
		slog.String("reference", event.Reference),
		slog.Int("attempts", event.Attempts),
		slog.String("last_error", event.LastError))
	return nil
}
