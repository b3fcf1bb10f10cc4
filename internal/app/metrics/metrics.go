// Package metrics exposes the data layer's Prometheus collectors.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the data-layer Prometheus collectors.
	Registry = prometheus.NewRegistry()

	txCommits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "data_layer",
			Subsystem: "transactions",
			Name:      "commits_total",
			Help:      "Total number of committed transactions.",
		},
	)

	txRollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "data_layer",
			Subsystem: "transactions",
			Name:      "rollbacks_total",
			Help:      "Total number of transactions that failed after exhausting retries.",
		},
	)

	txRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "data_layer",
			Subsystem: "transactions",
			Name:      "retries_total",
			Help:      "Total number of transient-failure retries.",
		},
	)

	txDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "data_layer",
			Subsystem: "transactions",
			Name:      "duration_seconds",
			Help:      "Duration of committed transactions including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "data_layer",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per resource (0=closed, 1=open, 2=half-open).",
		},
		[]string{"resource"},
	)

	breakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "data_layer",
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls rejected without invoking the wrapped function.",
		},
		[]string{"resource"},
	)

	poolOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "data_layer",
			Subsystem: "pool",
			Name:      "open_connections",
			Help:      "Open connections in the pool.",
		},
	)

	poolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "data_layer",
			Subsystem: "pool",
			Name:      "in_use_connections",
			Help:      "Connections currently in use.",
		},
	)

	poolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "data_layer",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Idle connections in the pool.",
		},
	)

	poolWaits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "data_layer",
			Subsystem: "pool",
			Name:      "wait_count",
			Help:      "Cumulative number of waits for a connection.",
		},
	)
)

func init() {
	Registry.MustRegister(
		txCommits,
		txRollbacks,
		txRetries,
		txDuration,
		breakerState,
		breakerRejections,
		poolOpen,
		poolInUse,
		poolIdle,
		poolWaits,
	)
}

// TransactionCommitted records a successful transaction and its duration.
func TransactionCommitted(d time.Duration) {
	txCommits.Inc()
	txDuration.Observe(d.Seconds())
}

// TransactionRolledBack records a transaction that failed for good.
func TransactionRolledBack() {
	txRollbacks.Inc()
}

// TransactionRetried records one transient-failure retry.
func TransactionRetried() {
	txRetries.Inc()
}

// SetBreakerState publishes a breaker's current state.
func SetBreakerState(resource string, state int) {
	breakerState.WithLabelValues(resource).Set(float64(state))
}

// BreakerRejected records a call rejected by an open or probing breaker.
func BreakerRejected(resource string) {
	breakerRejections.WithLabelValues(resource).Inc()
}

// SetPoolStats publishes a snapshot of the connection pool gauges.
func SetPoolStats(s sql.DBStats) {
	poolOpen.Set(float64(s.OpenConnections))
	poolInUse.Set(float64(s.InUse))
	poolIdle.Set(float64(s.Idle))
	poolWaits.Set(float64(s.WaitCount))
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
