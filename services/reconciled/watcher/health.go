package watcher

import (
	"sort"
	"sync"
	"time"

	"chainsettle/observability"
)

// NetworkStatus is a point-in-time view of one watcher.
type NetworkStatus struct {
	Network             string    `json:"network"`
	Checkpoint          uint64    `json:"checkpoint"`
	Head                uint64    `json:"head"`
	LastProgress        time.Time `json:"lastProgress"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	Degraded            bool      `json:"degraded"`
}

type networkHealth struct {
	checkpoint   uint64
	head         uint64
	lastProgress time.Time
	failures     int
	lastError    string
	degraded     bool
}

// Health tracks per-network watcher progress. A network is degraded once it
// has gone longer than the configured threshold without progress, whether its
// polls fail or hang. Degradation is reported, never fatal.
type Health struct {
	mu            sync.RWMutex
	degradedAfter time.Duration
	now           func() time.Time
	networks      map[string]*networkHealth
	onDegraded    func(network string, degraded bool)
	metrics       *observability.ReconciledMetrics
}

// HealthOption customises Health.
type HealthOption func(*Health)

// WithHealthClock overrides the clock.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *Health) {
		if now != nil {
			h.now = now
		}
	}
}

// OnDegradedChange registers a callback fired whenever a network enters or
// leaves the degraded state.
func OnDegradedChange(fn func(network string, degraded bool)) HealthOption {
	return func(h *Health) { h.onDegraded = fn }
}

// WithHealthMetrics exports checkpoint, head and degraded gauges.
func WithHealthMetrics(m *observability.ReconciledMetrics) HealthOption {
	return func(h *Health) { h.metrics = m }
}

// NewHealth constructs a tracker.
func NewHealth(degradedAfter time.Duration, opts ...HealthOption) *Health {
	if degradedAfter <= 0 {
		degradedAfter = 5 * time.Minute
	}
	h := &Health{
		degradedAfter: degradedAfter,
		now:           time.Now,
		networks:      make(map[string]*networkHealth),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Health) entryLocked(network string) *networkHealth {
	entry, ok := h.networks[network]
	if !ok {
		entry = &networkHealth{lastProgress: h.now()}
		h.networks[network] = entry
	}
	return entry
}

// Register starts tracking a network from its resume checkpoint.
func (h *Health) Register(network string, checkpoint uint64) {
	h.mu.Lock()
	entry := h.entryLocked(network)
	entry.checkpoint = checkpoint
	entry.lastProgress = h.now()
	h.mu.Unlock()
	h.metrics.SetCheckpoint(network, checkpoint)
	h.metrics.SetDegraded(network, false)
}

// RecordHead stores the latest chain head observed.
func (h *Health) RecordHead(network string, head uint64) {
	h.mu.Lock()
	h.entryLocked(network).head = head
	h.mu.Unlock()
	h.metrics.SetHead(network, head)
}

// RecordProgress marks a successful poll and clears any degraded state.
func (h *Health) RecordProgress(network string, checkpoint uint64) {
	h.mu.Lock()
	entry := h.entryLocked(network)
	if checkpoint > entry.checkpoint {
		entry.checkpoint = checkpoint
	}
	entry.lastProgress = h.now()
	entry.failures = 0
	entry.lastError = ""
	recovered := entry.degraded
	entry.degraded = false
	h.mu.Unlock()
	h.metrics.SetCheckpoint(network, checkpoint)
	if recovered {
		h.changed(network, false)
	}
}

// RecordFailure counts a failed poll. It reports whether the network has just
// become degraded.
func (h *Health) RecordFailure(network string, err error) bool {
	h.mu.Lock()
	entry := h.entryLocked(network)
	entry.failures++
	if err != nil {
		entry.lastError = err.Error()
	}
	became := h.evaluateLocked(entry, h.now())
	h.mu.Unlock()
	if became {
		h.changed(network, true)
	}
	return became
}

// evaluateLocked marks the entry degraded when progress is overdue and reports
// whether that just happened.
func (h *Health) evaluateLocked(entry *networkHealth, now time.Time) bool {
	if entry.degraded || now.Sub(entry.lastProgress) <= h.degradedAfter {
		return false
	}
	entry.degraded = true
	return true
}

// refresh re-evaluates every network against the clock so a watcher stuck
// inside a call is reported without waiting for it to fail.
func (h *Health) refresh() {
	now := h.now()
	var became []string
	h.mu.Lock()
	for id, entry := range h.networks {
		if h.evaluateLocked(entry, now) {
			became = append(became, id)
		}
	}
	h.mu.Unlock()
	sort.Strings(became)
	for _, id := range became {
		h.changed(id, true)
	}
}

func (h *Health) changed(network string, degraded bool) {
	h.metrics.SetDegraded(network, degraded)
	if h.onDegraded != nil {
		h.onDegraded(network, degraded)
	}
}

// Degraded reports whether the network is currently degraded.
func (h *Health) Degraded(network string) bool {
	h.refresh()
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.networks[network]
	return ok && entry.degraded
}

// Head returns the latest head observed for the network.
func (h *Health) Head(network string) (uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.networks[network]
	if !ok || entry.head == 0 {
		return 0, false
	}
	return entry.head, true
}

// Snapshot returns every tracked network sorted by id.
func (h *Health) Snapshot() []NetworkStatus {
	h.refresh()
	h.mu.RLock()
	out := make([]NetworkStatus, 0, len(h.networks))
	for id, entry := range h.networks {
		out = append(out, NetworkStatus{
			Network:             id,
			Checkpoint:          entry.checkpoint,
			Head:                entry.head,
			LastProgress:        entry.lastProgress,
			ConsecutiveFailures: entry.failures,
			LastError:           entry.lastError,
			Degraded:            entry.degraded,
		})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out
}
