// Package observability provides Prometheus metrics and periodic
// snapshot publication for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingress metrics
	SignalsAdmitted          prometheus.Counter
	SignalsRejectedAtIngress prometheus.Counter

	// Decision metrics
	DecisionsTotal  *prometheus.CounterVec // outcome: approved|rejected|error
	DecisionLatency prometheus.Histogram

	// Forwarding metrics
	ForwardsTotal   *prometheus.CounterVec // outcome: success|http_error|timeout|generic_error
	ForwardLatency  prometheus.Histogram
	PositionsOpened prometheus.Counter
	PositionsClosed prometheus.Counter

	// Queue metrics
	IngressQueueDepth  prometheus.Gauge
	ApprovedQueueDepth prometheus.Gauge

	// Rate limiter metrics
	PermitsAvailable     prometheus.Gauge
	PermitsPendingReturn prometheus.Gauge
	RequestsLastWindow   prometheus.Gauge
	AcquireWaitsTotal    prometheus.Counter

	// Reprocessing metrics
	ReprocessRunsTotal   *prometheus.CounterVec // health: healthy|warning|critical
	ReprocessedSignals   prometheus.Counter
	ReprocessSkips       *prometheus.CounterVec // kind
	ReprocessFailures    prometheus.Counter
	ReprocessSuccessRate prometheus.Gauge
	ReprocessLastRunUnix prometheus.Gauge
	ReprocessHealthState prometheus.Gauge       // 0 healthy, 1 warning, 2 critical, 3 stale

	// Archive metrics
	EventsArchived prometheus.Counter
	ArchiveErrors  prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "signal_relay"
	}

	return &Metrics{
		SignalsAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "signals_admitted_total",
			Help:      "Total number of signals accepted onto the ingress queue",
		}),
		SignalsRejectedAtIngress: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "signals_rejected_total",
			Help:      "Total number of signals rejected by ingress backpressure",
		}),

		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "decisions_total",
			Help:      "Total number of decision outcomes by type",
		}, []string{"outcome"}),
		DecisionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "latency_seconds",
			Help:      "Time spent deciding one signal",
			Buckets:   prometheus.DefBuckets,
		}),

		ForwardsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "forwards_total",
			Help:      "Total number of forward outcomes by type",
		}, []string{"outcome"}),
		ForwardLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "latency_seconds",
			Help:      "Time spent forwarding one signal, including permit wait",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "opened_total",
			Help:      "Total number of positions opened",
		}),
		PositionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "closed_total",
			Help:      "Total number of positions closed",
		}),

		IngressQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queues",
			Name:      "ingress_depth",
			Help:      "Current number of signals waiting on the ingress queue",
		}),
		ApprovedQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queues",
			Name:      "approved_depth",
			Help:      "Current number of entries waiting on the approved queue",
		}),

		PermitsAvailable: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "permits_available",
			Help:      "Permits currently available for forwarding",
		}),
		PermitsPendingReturn: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "permits_pending_return",
			Help:      "Permits consumed and awaiting their sliding-window return",
		}),
		RequestsLastWindow: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "requests_last_window",
			Help:      "Forward attempts counted in the trailing window",
		}),
		AcquireWaitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "acquire_waits_total",
			Help:      "Cumulative number of acquires that had to wait",
		}),

		ReprocessRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "runs_total",
			Help:      "Total number of reprocessing runs by resulting health",
		}, []string{"health"}),
		ReprocessedSignals: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "signals_total",
			Help:      "Total number of signals successfully reprocessed",
		}),
		ReprocessSkips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "skips_total",
			Help:      "Total number of reprocessing skips by kind",
		}, []string{"kind"}),
		ReprocessFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "failures_total",
			Help:      "Total number of reprocessing candidate failures",
		}),
		ReprocessSuccessRate: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "success_rate",
			Help:      "Success rate of the most recent reprocessing run",
		}),
		ReprocessLastRunUnix: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the most recent reprocessing run",
		}),
		ReprocessHealthState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "health_state",
			Help:      "Engine health: 0 healthy, 1 warning, 2 critical, 3 stale",
		}),

		EventsArchived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "events_total",
			Help:      "Total number of signal events archived to ClickHouse",
		}),
		ArchiveErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "errors_total",
			Help:      "Total number of archive batch failures",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
