// Package metrics provides Prometheus metrics for segpool processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a segpool process.
type Metrics struct {
	// Claim metrics
	ClaimsTotal      *prometheus.CounterVec
	ClaimRaces       *prometheus.CounterVec
	DuplicatesPruned *prometheus.CounterVec

	// Invocation metrics
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	RetryAttempts      *prometheus.CounterVec

	// Routing metrics
	UnitsRouted *prometheus.CounterVec
	MovesFailed *prometheus.CounterVec

	// Loop metrics
	QueueDepth  *prometheus.GaugeVec
	IdleSeconds *prometheus.GaugeVec

	// Dispatcher metrics
	UnitsDispatched *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "segpool"
	}

	m := &Metrics{
		ClaimsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_total",
				Help:      "Total number of units successfully claimed",
			},
			[]string{"worker_id"},
		),
		ClaimRaces: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_races_total",
				Help:      "Total number of claims lost to another claimant",
			},
			[]string{"worker_id"},
		),
		DuplicatesPruned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_pruned_total",
				Help:      "Total number of already-done units removed instead of claimed",
			},
			[]string{"worker_id"},
		),
		InvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of external computation invocations",
			},
			[]string{"worker_id", "outcome"},
		),
		InvocationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Duration of external computation invocations",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"worker_id"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"worker_id", "operation"},
		),
		UnitsRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_routed_total",
				Help:      "Total number of units moved to a terminal directory",
			},
			[]string{"worker_id", "result"},
		),
		MovesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "moves_failed_total",
				Help:      "Total number of terminal moves abandoned after retries",
			},
			[]string{"worker_id"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of units in the local queue",
			},
			[]string{"worker_id"},
		),
		IdleSeconds: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "idle_seconds",
				Help:      "Seconds since the last successful claim",
			},
			[]string{"worker_id"},
		),
		UnitsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_dispatched_total",
				Help:      "Total number of units moved from the pool to a worker queue",
			},
			[]string{"worker_id"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}
