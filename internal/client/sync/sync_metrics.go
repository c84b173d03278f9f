package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK     = "ok"
	resultFailed = "failed"
	resultRetry  = "retry"
)

// Metrics holds the sync engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transfers      *prometheus.CounterVec
	passes         *prometheus.CounterVec
	passDuration   prometheus.Histogram
	records        *prometheus.GaugeVec
	daemonRestarts *prometheus.CounterVec
	conflicts      prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siasync_transfers_total",
			Help: "Transfer tasks by operation and result",
		}, []string{"op", "result"}),
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siasync_reconcile_passes_total",
			Help: "Reconciliation passes by result",
		}, []string{"result"}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "siasync_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		records: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "siasync_records",
			Help: "Sync records by state",
		}, []string{"state"}),
		daemonRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siasync_daemon_restarts_total",
			Help: "Daemon restarts attempted by the recovery strategy",
		}, []string{"result"}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "siasync_conflicts_total",
			Help: "Conflicts detected between local and remote edits",
		}),
	}
}

// Registry exposes the collectors for a /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) transfer(op, result string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(op, result).Inc()
}

func (m *Metrics) pass(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(result).Inc()
	m.passDuration.Observe(took.Seconds())
}

func (m *Metrics) restart(result string) {
	if m == nil {
		return
	}
	m.daemonRestarts.WithLabelValues(result).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) setCounts(counts map[SyncState]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.records.WithLabelValues(string(state)).Set(float64(n))
	}
}
