// Package watcher follows each network's escrow contract and hands payment
// sightings to the pipeline. Delivery is at-least-once: a block range is only
// checkpointed after every sighting in it has been durably handed off.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"chainsettle/observability"
	"chainsettle/services/reconciled/chain"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/registry"
)

// Handoff receives sightings. Deliver must not return nil until every sighting
// has been persisted.
type Handoff interface {
	Deliver(ctx context.Context, sightings []chain.RawSighting) error
}

// CheckpointStore persists the last fully handed-off block per network.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, network string) (uint64, bool, error)
	AdvanceCheckpoint(ctx context.Context, network string, block uint64) error
}

// Config tunes a watcher's polling loop.
type Config struct {
	PollInterval   time.Duration
	MaxBlockRange  uint64
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RangeTimeout bounds each head lookup and one block range, including the
	// handoff. A range in flight at shutdown is allowed to finish within this
	// bound.
	RangeTimeout  time.Duration
	RatePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 2000
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.RangeTimeout <= 0 {
		c.RangeTimeout = 30 * time.Second
	}
	return c
}

// Watcher polls one network.
type Watcher struct {
	network     registry.NetworkConfig
	client      chain.Client
	handoff     Handoff
	checkpoints CheckpointStore
	health      *Health
	cfg         Config
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *observability.ReconciledMetrics

	resumed     bool
	startAtHead bool
	next        uint64
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ReconciledMetrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// New constructs a watcher for one network.
func New(network registry.NetworkConfig, client chain.Client, handoff Handoff, checkpoints CheckpointStore, health *Health, cfg Config, opts ...Option) *Watcher {
	cfg = cfg.withDefaults()
	w := &Watcher{
		network:     network,
		client:      client,
		handoff:     handoff,
		checkpoints: checkpoints,
		health:      health,
		cfg:         cfg,
		logger:      slog.Default(),
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.health == nil {
		w.health = NewHealth(0)
	}
	w.logger = w.logger.With(slog.String("network", network.ID))
	return w
}

// Run polls until ctx is cancelled. RPC and handoff errors retry the same
// range with exponential backoff; they never end the loop.
func (w *Watcher) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.BackoffInitial
	policy.MaxInterval = w.cfg.BackoffMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		caughtUp, err := w.Poll(ctx)
		if ctx.Err() != nil {
			w.logger.Info("watcher stopped", slog.Uint64("next_block", w.next))
			return nil
		}
		delay := w.cfg.PollInterval
		if err != nil {
			w.metrics.RecordWatcherError(w.network.ID)
			if w.health.RecordFailure(w.network.ID, err) {
				w.logger.Error("watcher degraded", slog.Any("error", err))
			}
			delay = policy.NextBackOff()
			w.logger.Warn("watcher poll failed",
				slog.Uint64("next_block", w.next),
				slog.Duration("retry_in", delay),
				slog.Any("error", err))
		} else {
			policy.Reset()
			if !caughtUp {
				delay = 0
			}
		}
		if !sleep(ctx, delay) {
			w.logger.Info("watcher stopped", slog.Uint64("next_block", w.next))
			return nil
		}
	}
}

// Poll processes at most one block range. It reports whether the watcher has
// reached the confirmed head.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	if !w.resumed {
		if err := w.resume(ctx); err != nil {
			return false, err
		}
	}
	if err := w.wait(ctx); err != nil {
		return false, err
	}
	headCtx, cancelHead := context.WithTimeout(ctx, w.cfg.RangeTimeout)
	head, err := w.client.BlockNumber(headCtx)
	cancelHead()
	if err != nil {
		return false, fmt.Errorf("block number: %w", err)
	}
	w.health.RecordHead(w.network.ID, head)

	conf := w.network.Confirmations()
	if head+1 < conf {
		w.health.RecordProgress(w.network.ID, w.checkpoint())
		return true, nil
	}
	safe := head - (conf - 1)
	if w.startAtHead {
		w.next = safe
		w.startAtHead = false
		w.logger.Info("no checkpoint or start block, starting at confirmed head", slog.Uint64("block", safe))
	}
	if w.next > safe {
		w.health.RecordProgress(w.network.ID, w.checkpoint())
		return true, nil
	}
	from := w.next
	to := from + w.cfg.MaxBlockRange - 1
	if to > safe {
		to = safe
	}

	// The range runs to completion on shutdown so nothing fetched is dropped.
	rangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RangeTimeout)
	defer cancel()

	sightings, err := w.fetch(rangeCtx, from, to, head)
	if err != nil {
		return false, err
	}
	if len(sightings) > 0 {
		if err := w.handoff.Deliver(rangeCtx, sightings); err != nil {
			return false, fmt.Errorf("handoff blocks %d-%d: %w", from, to, err)
		}
	}
	if err := w.checkpoints.AdvanceCheckpoint(rangeCtx, w.network.ID, to); err != nil {
		return false, err
	}
	w.next = to + 1
	w.health.RecordProgress(w.network.ID, to)
	w.logger.Debug("range processed",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Int("sightings", len(sightings)))
	return to == safe, nil
}

func (w *Watcher) resume(ctx context.Context) error {
	block, found, err := w.checkpoints.Checkpoint(ctx, w.network.ID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	switch {
	case found:
		w.next = block + 1
	case w.network.StartBlock > 0:
		w.next = w.network.StartBlock
	default:
		w.startAtHead = true
	}
	w.resumed = true
	w.health.Register(w.network.ID, w.checkpoint())
	w.logger.Info("watcher resuming", slog.Uint64("next_block", w.next), slog.Bool("checkpoint_found", found))
	return nil
}

func (w *Watcher) checkpoint() uint64 {
	if w.next == 0 {
		return 0
	}
	return w.next - 1
}

func (w *Watcher) fetch(ctx context.Context, from, to, head uint64) ([]chain.RawSighting, error) {
	if err := w.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.network.EscrowAddress},
		Topics:    [][]common.Hash{{chain.PaymentReceivedTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	times := make(map[uint64]time.Time)
	sightings := make([]chain.RawSighting, 0, len(logs))
	for _, l := range logs {
		blockTime, ok := times[l.BlockNumber]
		if !ok {
			if err := w.wait(ctx); err != nil {
				return nil, err
			}
			header, err := w.client.HeaderByNumber(ctx, new(big.Int).SetUint64(l.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("header %d: %w", l.BlockNumber, err)
			}
			if header == nil {
				return nil, fmt.Errorf("header %d: %w", l.BlockNumber, ethereum.NotFound)
			}
			blockTime = time.Unix(int64(header.Time), 0).UTC()
			times[l.BlockNumber] = blockTime
		}
		var confirmations uint64
		if head >= l.BlockNumber {
			confirmations = head - l.BlockNumber + 1
		}
		sightings = append(sightings, chain.RawSighting{
			Network:       w.network.ID,
			Source:        models.SourceRPC,
			Address:       l.Address,
			Topics:        l.Topics,
			Data:          l.Data,
			TxHash:        l.TxHash,
			LogIndex:      l.Index,
			BlockNumber:   l.BlockNumber,
			BlockTime:     blockTime,
			Confirmations: confirmations,
			Removed:       l.Removed,
		})
	}
	return sightings, nil
}

func (w *Watcher) wait(ctx context.Context) error {
	if w.limiter == nil {
		return nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
