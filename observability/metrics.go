// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Ingestion metrics
	TradesIngested prometheus.Counter
	LogsSkipped    *prometheus.CounterVec
	CycleFailures  prometheus.Counter
	LastBlockSeen  prometheus.Gauge
	CycleDuration  prometheus.Histogram

	// Hub metrics
	ConnectionsOpen   prometheus.Gauge
	MessagesBroadcast prometheus.Counter
	AuthAttempts      *prometheus.CounterVec
	Kicks             prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "noma_relay"
	}

	return &Metrics{
		TradesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trades_ingested_total",
			Help:      "Total number of trade events persisted",
		}),
		LogsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "logs_skipped_total",
			Help:      "Total number of logs skipped by reason",
		}, []string{"reason"}),
		CycleFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "cycle_failures_total",
			Help:      "Total number of failed polling cycles",
		}),
		LastBlockSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "last_block_seen",
			Help:      "Watermark block number of the poller",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "cycle_duration_seconds",
			Help:      "Polling cycle duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		ConnectionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_open",
			Help:      "Number of open websocket connections",
		}),
		MessagesBroadcast: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_broadcast_total",
			Help:      "Total number of envelopes fanned out to clients",
		}),
		AuthAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "auth_attempts_total",
			Help:      "Total number of auth attempts by outcome",
		}, []string{"outcome"}),
		Kicks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "kicks_total",
			Help:      "Total number of users kicked",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTradeIngested increments the trades ingested counter and moves the
// watermark gauge.
func RecordTradeIngested(block uint64) {
	DefaultMetrics.TradesIngested.Inc()
	DefaultMetrics.LastBlockSeen.Set(float64(block))
}

// RecordLogSkipped records a skipped log.
func RecordLogSkipped(reason string) {
	DefaultMetrics.LogsSkipped.WithLabelValues(reason).Inc()
}

// RecordCycleFailure increments the failed cycle counter.
func RecordCycleFailure() {
	DefaultMetrics.CycleFailures.Inc()
}

// RecordAuthAttempt records an auth attempt outcome ("ok", "rejected",
// "rate_limited").
func RecordAuthAttempt(outcome string) {
	DefaultMetrics.AuthAttempts.WithLabelValues(outcome).Inc()
}

// SetConnections updates the open connection gauge.
func SetConnections(n int) {
	DefaultMetrics.ConnectionsOpen.Set(float64(n))
}
