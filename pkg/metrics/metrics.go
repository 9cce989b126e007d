// Package metrics exposes the GRBL host controller's internal state as
// Prometheus collectors, wiring github.com/prometheus/client_golang per
// SPEC_FULL.md's domain stack. Grounded on pkg/resilience's GetStats()/
// GetStatistics() snapshot-struct pattern (CircuitBreakerStats,
// SyncRecoveryManager statistics), generalized from ad-hoc stat structs
// into first-class Prometheus gauges/counters/histograms so the same
// numbers are queryable externally instead of only returned from a method
// call.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the controller updates. Callers embed
// one Registry per controller instance and register it with whatever
// prometheus.Registerer the host process uses.
type Registry struct {
	PendingDepth      prometheus.Gauge
	QueueDepthByPrio  *prometheus.GaugeVec
	PollRate          *prometheus.GaugeVec
	LinesStreamed     prometheus.Counter
	LinesFailed       prometheus.Counter
	CommandLatency    prometheus.Histogram
	BreakerTrips      *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	RecoveryAttempts  *prometheus.CounterVec
	RecoverySuccesses *prometheus.CounterVec
	ChecksumMismatches prometheus.Counter
	RxFree            prometheus.Gauge
}

// NewRegistry constructs every collector under the given namespace (e.g.
// "grblhost").
func NewRegistry(namespace string) *Registry {
	return &Registry{
		PendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_pending_depth",
			Help:      "Number of commands currently awaiting acknowledgement.",
		}),
		QueueDepthByPrio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_queue_depth",
			Help:      "Number of commands queued, by priority.",
		}, []string{"priority"}),
		PollRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poller_rate_active",
			Help:      "1 if the named cadence tier is currently active, else 0.",
		}, []string{"rate"}),
		LinesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_lines_completed_total",
			Help:      "Total G-code lines successfully streamed.",
		}),
		LinesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_lines_failed_total",
			Help:      "Total G-code lines that failed during streaming.",
		}),
		CommandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_command_latency_seconds",
			Help:      "Time from command submission to terminal resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_breaker_trips_total",
			Help:      "Number of times a command class's circuit breaker opened.",
		}, []string{"class"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_breaker_state",
			Help:      "Current breaker state per class (0=closed,1=half_open,2=open).",
		}, []string{"class"}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery workflow attempts, by alarm kind.",
		}, []string{"kind"}),
		RecoverySuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_successes_total",
			Help:      "Recovery workflow successes, by alarm kind.",
		}, []string{"kind"}),
		ChecksumMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_checkpoint_checksum_mismatches_total",
			Help:      "Checkpoint files rejected due to checksum mismatch.",
		}),
		RxFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_rx_free_bytes",
			Help:      "Last reported controller receive buffer free bytes.",
		}),
	}
}

// Collectors returns every metric for bulk registration, e.g.
// registerer.MustRegister(reg.Collectors()...).
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.PendingDepth,
		r.QueueDepthByPrio,
		r.PollRate,
		r.LinesStreamed,
		r.LinesFailed,
		r.CommandLatency,
		r.BreakerTrips,
		r.BreakerState,
		r.RecoveryAttempts,
		r.RecoverySuccesses,
		r.ChecksumMismatches,
		r.RxFree,
	}
}

// breakerStateValue maps retry.BreakerState's String() form to the gauge
// encoding documented on BreakerState's Help text.
func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// SetBreakerState records the current state for a command class.
func (r *Registry) SetBreakerState(class, state string) {
	r.BreakerState.WithLabelValues(class).Set(breakerStateValue(state))
}
