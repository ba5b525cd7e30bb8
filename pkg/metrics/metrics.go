package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Milestone transitions by event and outcome (ok / invalid_transition /
	// stale_state / validation_error / processor_unavailable / duplicate / error).
	TransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_transition_count",
			Help: "Total number of milestone transition attempts",
		},
		[]string{"event", "outcome"},
	)

	// Payment processor call latency in milliseconds.
	ProcessorCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_processor_call_latency_ms",
			Help:    "Payment processor call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"operation", "status"},
	)

	// Deadline scanner sweep duration in seconds.
	ScannerSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deadline_scanner_sweep_duration_seconds",
			Help:    "Approval deadline sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// Auto-releases performed by the scanner.
	AutoReleaseCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_auto_release_count",
			Help: "Total number of scanner-initiated auto releases",
		},
		[]string{"outcome"},
	)

	// HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// Queries slower than the configured threshold.
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of slow database queries",
		},
	)

	// How slow the slow queries are, in milliseconds.
	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_ms",
			Help:    "Duration of slow database queries in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~50s
		},
	)
)

func RecordTransition(event, outcome string) {
	TransitionCount.WithLabelValues(event, outcome).Inc()
}

func RecordProcessorCall(operation, status string, duration time.Duration) {
	ProcessorCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

func RecordScannerSweep(duration time.Duration) {
	ScannerSweepDuration.Observe(duration.Seconds())
}

func RecordAutoRelease(outcome string) {
	AutoReleaseCount.WithLabelValues(outcome).Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementSlowQuery(duration time.Duration) {
	SlowQueryCount.Inc()
	SlowQueryDuration.Observe(float64(duration.Milliseconds()))
}
