package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mylink.
type Metrics struct {
	// Counters
	ReconciliationsTotal    *prometheus.CounterVec
	ServerConnectsTotal     *prometheus.CounterVec
	ConnectRetriesTotal     prometheus.Counter
	FallbacksToPrimaryTotal prometheus.Counter
	PoolStashTotal          *prometheus.CounterVec

	// Gauges
	PoolIdleConnections prometheus.Gauge
	DestinationUp       *prometheus.GaugeVec

	// Histograms
	ReconciliationDuration *prometheus.HistogramVec
}

// DefaultMetrics creates a new Metrics instance with all metrics registered.
func DefaultMetrics() *Metrics {
	return &Metrics{
		ReconciliationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mylink_reconciliations_total",
				Help: "Server connections prepared for a client, by outcome",
			},
			[]string{"status"},
		),
		ServerConnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mylink_server_connects_total",
				Help: "Server connections bound to a client session, by source",
			},
			[]string{"destination", "kind"},
		),
		ConnectRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mylink_connect_retries_total",
				Help: "Transient connect failures retried after a backoff",
			},
		),
		FallbacksToPrimaryTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mylink_fallbacks_to_primary_total",
				Help: "Read-only sessions redirected to the primary after a stale replica",
			},
		),
		PoolStashTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mylink_pool_stash_total",
				Help: "Server connections offered back to the idle pool, by outcome",
			},
			[]string{"outcome"},
		),
		PoolIdleConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mylink_pool_idle_connections",
				Help: "Idle server connections currently held in the sharing pool",
			},
		),
		DestinationUp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mylink_destination_up",
				Help: "Whether the health prober considers the destination usable",
			},
			[]string{"destination"},
		),
		ReconciliationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mylink_reconciliation_duration_seconds",
				Help:    "Time to prepare a server connection for a client",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3.2s
			},
			[]string{"status"},
		),
	}
}

// RecordReconciliation records one finished connection preparation.
func (m *Metrics) RecordReconciliation(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ReconciliationsTotal.WithLabelValues(status).Inc()
	m.ReconciliationDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RecordServerConnect records a server connection being bound to a session.
// kind is "fresh" for a dialed connection, "pooled" for a reused one.
func (m *Metrics) RecordServerConnect(destination, kind string) {
	if m == nil {
		return
	}
	m.ServerConnectsTotal.WithLabelValues(destination, kind).Inc()
}

// RecordConnectRetry records a transient connect failure being retried.
func (m *Metrics) RecordConnectRetry() {
	if m == nil {
		return
	}
	m.ConnectRetriesTotal.Inc()
}

// RecordFallbackToPrimary records a read-only session restarting against the
// primary.
func (m *Metrics) RecordFallbackToPrimary() {
	if m == nil {
		return
	}
	m.FallbacksToPrimaryTotal.Inc()
}

// RecordPoolStash records a connection offered back to the idle pool.
// outcome is "stashed" or "closed".
func (m *Metrics) RecordPoolStash(outcome string) {
	if m == nil {
		return
	}
	m.PoolStashTotal.WithLabelValues(outcome).Inc()
}

// SetPoolIdle updates the idle-pool size gauge.
func (m *Metrics) SetPoolIdle(n int) {
	if m == nil {
		return
	}
	m.PoolIdleConnections.Set(float64(n))
}

// SetDestinationUp updates a destination's availability gauge.
func (m *Metrics) SetDestinationUp(destination string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.DestinationUp.WithLabelValues(destination).Set(v)
}
