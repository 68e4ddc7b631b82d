// Package pipeline turns raw sightings into stored payment events and hands
// confirmed ones to the settlement applier through a bounded worker pool.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chainsettle/observability"
	"chainsettle/services/reconciled/chain"
	"chainsettle/services/reconciled/eventstore"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/normalizer"
	"chainsettle/services/reconciled/settlement"
)

const (
	defaultQueueCapacity = 256
	defaultWorkers       = 4
)

// ErrStopped is returned by Deliver once the worker pool has shut down.
var ErrStopped = errors.New("pipeline: stopped")

// Applier settles confirmed events.
type Applier interface {
	ResolveAndApply(ctx context.Context, event models.PaymentEvent) (settlement.Result, error)
}

type job struct {
	sighting chain.RawSighting
	done     chan error
}

// Pipeline is the shared work queue between the watchers and the
// normalise/store/apply workers.
type Pipeline struct {
	normalizer *normalizer.Normalizer
	events     *eventstore.Store
	applier    Applier
	jobs       chan job
	workers    int
	logger     *slog.Logger
	metrics    *observability.ReconciledMetrics
	stopped    chan struct{}
	stopOnce   sync.Once
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueCapacity bounds the number of sightings waiting for a worker.
func WithQueueCapacity(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.jobs = make(chan job, n)
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ReconciledMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New constructs a pipeline. Run must be started before Deliver can make progress.
func New(norm *normalizer.Normalizer, events *eventstore.Store, applier Applier, opts ...Option) *Pipeline {
	p := &Pipeline{
		normalizer: norm,
		events:     events,
		applier:    applier,
		jobs:       make(chan job, defaultQueueCapacity),
		workers:    defaultWorkers,
		logger:     slog.Default(),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Deliver queues the sightings and returns once every one of them has been
// durably persisted: inserted, found as a duplicate, or recorded as rejected.
// It blocks while the queue is full. A non-nil error means at least one
// sighting was not persisted and the caller must redeliver the batch.
func (p *Pipeline) Deliver(ctx context.Context, sightings []chain.RawSighting) error {
	pending := make([]chan error, 0, len(sightings))
	var errs []error
	for _, s := range sightings {
		done := make(chan error, 1)
		select {
		case p.jobs <- job{sighting: s, done: done}:
			pending = append(pending, done)
		case <-p.stopped:
			errs = append(errs, ErrStopped)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if len(errs) > 0 {
			break
		}
	}
	for _, done := range pending {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-p.stopped:
			errs = append(errs, ErrStopped)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	return errors.Join(errs...)
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has finished its current job.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
	p.stopOnce.Do(func() { close(p.stopped) })
	return nil
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.metrics.SetQueueDepth(len(p.jobs))
			event, apply, err := p.persist(ctx, j.sighting)
			j.done <- err
			if err != nil || !apply {
				continue
			}
			if _, err := p.applier.ResolveAndApply(ctx, event); err != nil {
				// Left confirmed or applying; the sweeper retries.
				p.logger.Warn("apply deferred to sweeper",
					slog.String("network", event.Network),
					slog.String("tx_hash", event.TxHash),
					slog.Any("error", err))
			}
		}
	}
}

// persist normalises and stores one sighting. It reports whether the stored
// row is confirmed and should be applied now.
func (p *Pipeline) persist(ctx context.Context, s chain.RawSighting) (models.PaymentEvent, bool, error) {
	p.metrics.RecordSighting(s.Network, s.Source)
	event, err := p.normalizer.Normalize(s.Network, s)
	if err != nil {
		var malformed *normalizer.MalformedEventError
		if !errors.As(err, &malformed) {
			return models.PaymentEvent{}, false, err
		}
		p.metrics.RecordRejected(s.Network)
		rejectErr := p.events.RecordRejected(ctx, models.RejectedSighting{
			Network:     s.Network,
			TxHash:      s.TxHash.Hex(),
			LogIndex:    s.LogIndex,
			BlockNumber: s.BlockNumber,
			Source:      s.Source,
			Reason:      malformed.Reason,
			Payload:     hex.EncodeToString(s.Data),
		})
		return models.PaymentEvent{}, false, rejectErr
	}

	res, err := p.events.InsertIfAbsent(ctx, event)
	if err != nil {
		return models.PaymentEvent{}, false, err
	}
	p.metrics.RecordInsert(event.Network, res.Inserted)
	stored := res.Event
	if res.Inserted {
		return stored, stored.Status == models.StatusConfirmed, nil
	}

	if stored.LogIndex != event.LogIndex {
		created, err := p.events.RecordAnomaly(ctx, models.Anomaly{
			Kind:    models.AnomalyMultiplePaymentLog,
			Network: stored.Network,
			TxHash:  stored.TxHash,
			Details: fmt.Sprintf("stored log %d, also saw log %d reference=%q amount=%s",
				stored.LogIndex, event.LogIndex, event.Reference, event.GrossAmount),
		})
		if err != nil {
			return models.PaymentEvent{}, false, err
		}
		if created {
			p.metrics.RecordAnomaly(string(models.AnomalyMultiplePaymentLog))
		}
		return stored, false, nil
	}

	if stored.Status == models.StatusPending && event.Status == models.StatusConfirmed {
		ok, err := p.events.MarkStatus(ctx, stored.Network, stored.TxHash, models.StatusPending, models.StatusConfirmed)
		if err != nil {
			return models.PaymentEvent{}, false, err
		}
		if ok {
			stored.Status = models.StatusConfirmed
		}
	}
	// Redelivery of a row whose earlier application never finished resumes it;
	// anything terminal or in flight is a no-op.
	return stored, stored.Status == models.StatusConfirmed, nil
}
