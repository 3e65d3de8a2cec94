// Package metrics exposes Prometheus collectors for the limits engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeDeclined = "declined"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics contains Prometheus collectors for the limits engine.
type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	replayHits        *prometheus.CounterVec
	sweepRuns         *prometheus.CounterVec
	bucketsRolled     prometheus.Counter
	ledgerPurged      prometheus.Counter
}

// NewMetrics registers collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_limits_operations_total",
				Help: "Total number of limit operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quota_limits_operation_duration_seconds",
				Help:    "Latency of limit operations",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		replayHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_limits_replay_hits_total",
				Help: "Debits answered from a previous result",
			},
			[]string{"source"},
		),
		sweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_limits_sweep_runs_total",
				Help: "Maintenance sweep runs by result",
			},
			[]string{"result"},
		),
		bucketsRolled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "quota_limits_buckets_rolled_total",
				Help: "Buckets rolled into a new window by the sweep",
			},
		),
		ledgerPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "quota_limits_ledger_rows_purged_total",
				Help: "Ledger rows removed by retention",
			},
		),
	}
}

var defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// Default returns the process-wide collectors.
func Default() *Metrics { return defaultMetrics }

// ObserveOperation records one operation and its latency.
func (m *Metrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ReplayHit records a debit answered from the ledger or the replay cache.
func (m *Metrics) ReplayHit(source string) {
	if m == nil {
		return
	}
	m.replayHits.WithLabelValues(source).Inc()
}

// SweepRun records a sweep run and the buckets it rolled.
func (m *Metrics) SweepRun(result string, rolled int) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	if rolled > 0 {
		m.bucketsRolled.Add(float64(rolled))
	}
}

// LedgerPurged records rows deleted by retention.
func (m *Metrics) LedgerPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ledgerPurged.Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
