package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"chainsettle/observability"
)

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 30 * time.Minute
	defaultMaxRetries    = 4
)

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity   int
	ttl        time.Duration
	maxRetries uint64
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// WithCapacity sets the maximum number of pending notifications.
func WithCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued notifications remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithRetries bounds redelivery of a failed notification.
func WithRetries(max uint64, initialDelay time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		cfg.maxRetries = max
		if initialDelay > 0 {
			cfg.retryDelay = initialDelay
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) QueueOption {
	return func(cfg *queueConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

type queued struct {
	settlement Settlement
	enqueuedAt time.Time
}

// Queue buffers settlement notifications between the applier and the
// downstream notifier. Enqueueing never blocks: when full the oldest entry is
// overwritten and the drop is counted.
type Queue struct {
	mu         sync.Mutex
	items      queueRing[queued]
	wake       chan struct{}
	ttl        time.Duration
	maxRetries uint64
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger
	drops      *dropCounter
}

var _ Notifier = (*Queue)(nil)

// NewQueue constructs a bounded notification queue.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		capacity:   defaultQueueCapacity,
		ttl:        defaultQueueTTL,
		maxRetries: defaultMaxRetries,
		retryDelay: 500 * time.Millisecond,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		items:      newQueueRing[queued](cfg.capacity),
		wake:       make(chan struct{}, 1),
		ttl:        cfg.ttl,
		maxRetries: cfg.maxRetries,
		retryDelay: cfg.retryDelay,
		now:        cfg.now,
		logger:     cfg.logger,
		drops:      dropMetrics(),
	}
}

// NotifySettled enqueues the settlement. It implements Notifier so the queue
// can sit in front of any downstream.
func (q *Queue) NotifySettled(_ context.Context, s Settlement) error {
	now := q.now()
	q.mu.Lock()
	q.evictExpiredLocked(now)
	if _, dropped := q.items.push(queued{settlement: s, enqueuedAt: now}); dropped {
		q.drops.record("overflow", 1)
	}
	depth := q.items.len()
	q.mu.Unlock()
	observability.Reconciled().SetNotificationBacklog(depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of pending notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len()
}

// Dequeue waits for the next notification. Returns false if the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Settlement, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		item, ok := q.items.pop()
		depth := q.items.len()
		q.mu.Unlock()
		if ok {
			observability.Reconciled().SetNotificationBacklog(depth)
			return item.settlement, true
		}
		select {
		case <-ctx.Done():
			return Settlement{}, false
		case <-q.wake:
		}
	}
}

// Run drains the queue into downstream until ctx is cancelled. Failed
// deliveries are retried with exponential backoff and then dropped.
func (q *Queue) Run(ctx context.Context, downstream Notifier) error {
	for {
		s, ok := q.Dequeue(ctx)
		if !ok {
			return nil
		}
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = q.retryDelay
		policy.MaxElapsedTime = 0
		policy.Reset()
		err := backoff.Retry(func() error {
			return downstream.NotifySettled(ctx, s)
		}, backoff.WithContext(backoff.WithMaxRetries(policy, q.maxRetries), ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.drops.record("delivery_failed", 1)
			q.logger.Warn("settlement notification dropped",
				slog.String("target_id", s.TargetID.String()),
				slog.String("network", s.Network),
				slog.String("tx_hash", s.TxHash),
				slog.Any("error", err))
		}
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		item, ok := q.items.peek()
		if !ok || now.Sub(item.enqueuedAt) <= q.ttl {
			break
		}
		q.items.pop()
		expired++
	}
	if expired > 0 {
		q.drops.record("ttl", expired)
	}
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 || len(r.buf) == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *queueRing[T]) len() int {
	return r.size
}

var (
	dropOnce    sync.Once
	sharedDrops *dropCounter
)

type dropCounter struct {
	counter metric.Int64Counter
}

func dropMetrics() *dropCounter {
	dropOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("chainsettle/reconciled")
		counter, err := meter.Int64Counter("chainsettle.reconciled.notifications.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("chainsettle/reconciled")
			counter, _ = fallback.Int64Counter("chainsettle.reconciled.notifications.dropped")
		}
		sharedDrops = &dropCounter{counter: counter}
	})
	return sharedDrops
}

func (d *dropCounter) record(reason string, count int) {
	if d == nil || d.counter == nil || count <= 0 {
		return
	}
	d.counter.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
