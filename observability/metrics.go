package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconciledMetricsOnce sync.Once
	reconciledRegistry    *ReconciledMetrics
)

// ReconciledMetrics wraps collectors tracking the reconciliation engine.
type ReconciledMetrics struct {
	sightings     *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	inserts       *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	discrepancies *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	checkpoint    *prometheus.GaugeVec
	head          *prometheus.GaugeVec
	degraded      *prometheus.GaugeVec
	rpcErrors     *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	notifyBacklog prometheus.Gauge
	applyLatency  *prometheus.HistogramVec
}

// Reconciled exposes the metrics registry for the reconciliation daemon.
func Reconciled() *ReconciledMetrics {
	reconciledMetricsOnce.Do(func() {
		reconciledRegistry = &ReconciledMetrics{
			sightings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "sightings_total",
				Help:      "Escrow log sightings handed off by watchers, segmented by network and source.",
			}, []string{"network", "source"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "sightings_rejected_total",
				Help:      "Sightings rejected as malformed.",
			}, []string{"network"}),
			inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "event_inserts_total",
				Help:      "Event store insert attempts segmented by result (inserted or duplicate).",
			}, []string{"network", "result"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "settlements_total",
				Help:      "Settlement applier outcomes.",
			}, []string{"network", "outcome"}),
			discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "discrepancies_total",
				Help:      "Settlements applied with a paid amount different from the amount due.",
			}, []string{"network"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "anomalies_total",
				Help:      "Anomalies recorded for operator review.",
			}, []string{"kind"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "sweeps_total",
				Help:      "Reconciliation sweep runs segmented by result.",
			}, []string{"result"}),
			sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of completed reconciliation sweeps.",
				Buckets:   prometheus.DefBuckets,
			}),
			checkpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "watcher_checkpoint_block",
				Help:      "Last block durably processed per network.",
			}, []string{"network"}),
			head: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "watcher_head_block",
				Help:      "Latest chain head observed per network.",
			}, []string{"network"}),
			degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "watcher_degraded",
				Help:      "1 when a watcher has not made progress within its threshold.",
			}, []string{"network"}),
			rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "watcher_errors_total",
				Help:      "Watcher range failures that triggered a backoff.",
			}, []string{"network"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "pipeline_queue_depth",
				Help:      "Sightings waiting in the bounded work queue.",
			}),
			notifyBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "notification_backlog",
				Help:      "Settlement notifications waiting for downstream delivery.",
			}),
			applyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "chainsettle",
				Subsystem: "reconciled",
				Name:      "apply_duration_seconds",
				Help:      "Latency distribution for settlement application.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"network"}),
		}
		prometheus.MustRegister(
			reconciledRegistry.sightings,
			reconciledRegistry.rejected,
			reconciledRegistry.inserts,
			reconciledRegistry.settlements,
			reconciledRegistry.discrepancies,
			reconciledRegistry.anomalies,
			reconciledRegistry.sweeps,
			reconciledRegistry.sweepDuration,
			reconciledRegistry.checkpoint,
			reconciledRegistry.head,
			reconciledRegistry.degraded,
			reconciledRegistry.rpcErrors,
			reconciledRegistry.queueDepth,
			reconciledRegistry.notifyBacklog,
			reconciledRegistry.applyLatency,
		)
	})
	return reconciledRegistry
}

func label(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "unknown"
	}
	return v
}

// RecordSighting counts a sighting handed to the pipeline.
func (m *ReconciledMetrics) RecordSighting(network, source string) {
	if m == nil {
		return
	}
	m.sightings.WithLabelValues(label(network), label(source)).Inc()
}

// RecordRejected counts a malformed sighting.
func (m *ReconciledMetrics) RecordRejected(network string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(label(network)).Inc()
}

// RecordInsert counts an event store insert by result.
func (m *ReconciledMetrics) RecordInsert(network string, inserted bool) {
	if m == nil {
		return
	}
	result := "duplicate"
	if inserted {
		result = "inserted"
	}
	m.inserts.WithLabelValues(label(network), result).Inc()
}

// RecordSettlement counts an applier outcome and its latency.
func (m *ReconciledMetrics) RecordSettlement(network, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(label(network), label(outcome)).Inc()
	if duration > 0 {
		m.applyLatency.WithLabelValues(label(network)).Observe(duration.Seconds())
	}
}

// RecordDiscrepancy counts a settlement whose amount differed from the amount due.
func (m *ReconciledMetrics) RecordDiscrepancy(network string) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(label(network)).Inc()
}

// RecordAnomaly counts an anomaly by kind.
func (m *ReconciledMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(label(kind)).Inc()
}

// RecordSweep records a sweep run. Skipped runs carry no duration.
func (m *ReconciledMetrics) RecordSweep(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(label(result)).Inc()
	if duration > 0 {
		m.sweepDuration.Observe(duration.Seconds())
	}
}

// SetCheckpoint publishes the last processed block for a network.
func (m *ReconciledMetrics) SetCheckpoint(network string, block uint64) {
	if m == nil {
		return
	}
	m.checkpoint.WithLabelValues(label(network)).Set(float64(block))
}

// SetHead publishes the latest observed chain head for a network.
func (m *ReconciledMetrics) SetHead(network string, block uint64) {
	if m == nil {
		return
	}
	m.head.WithLabelValues(label(network)).Set(float64(block))
}

// SetDegraded toggles the degraded gauge for a network.
func (m *ReconciledMetrics) SetDegraded(network string, degraded bool) {
	if m == nil {
		return
	}
	value := 0.0
	if degraded {
		value = 1
	}
	m.degraded.WithLabelValues(label(network)).Set(value)
}

// RecordWatcherError counts a failed watcher range.
func (m *ReconciledMetrics) RecordWatcherError(network string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(label(network)).Inc()
}

// SetQueueDepth publishes the number of queued sightings.
func (m *ReconciledMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetNotificationBacklog publishes the number of undelivered settlement
// notifications.
func (m *ReconciledMetrics) SetNotificationBacklog(depth int) {
	if m == nil {
		return
	}
	m.notifyBacklog.Set(float64(depth))
}
