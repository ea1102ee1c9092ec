// Package metrics exposes Prometheus instrumentation for sync runs and
// upstream traffic. Collectors register with the default registry.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciliation
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_sync_outcomes_total",
			Help: "Reconciliation outcomes by job and status",
		},
		[]string{"job", "status"}, // status: created, updated, skipped, failed, aborted
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_sync_inflight",
			Help: "Reconciliation tasks currently running",
		},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_sync_run_duration_seconds",
			Help:    "Duration of a complete sync run in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"job"},
	)

	// Upstream
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_sync_upstream_requests_total",
			Help: "Upstream HTTP attempts by method and status code (0 for transport errors)",
		},
		[]string{"method", "status"},
	)

	UpstreamRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_sync_upstream_retries_total",
			Help: "Upstream attempts that were scheduled for retry",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalog_sync_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// RecordUpstreamAttempt counts one upstream attempt.
func RecordUpstreamAttempt(method string, status int) {
	UpstreamRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// RecordOutcome counts one reconciliation outcome.
func RecordOutcome(job, status string) {
	OutcomesTotal.WithLabelValues(job, status).Inc()
}
