package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOperationCountsByOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveOperation("debit", OutcomeApproved, 3*time.Millisecond)
	m.ObserveOperation("debit", OutcomeApproved, time.Millisecond)
	m.ObserveOperation("debit", OutcomeDeclined, time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("debit", OutcomeApproved)); got != 2 {
		t.Fatalf("expected 2 approved, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("debit", OutcomeDeclined)); got != 1 {
		t.Fatalf("expected 1 declined, got %v", got)
	}
}

func TestSweepAndRetentionCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SweepRun("ok", 4)
	m.SweepRun("ok", 0)
	m.LedgerPurged(10)
	m.LedgerPurged(-1)

	if got := testutil.ToFloat64(m.bucketsRolled); got != 4 {
		t.Fatalf("expected 4 rolled, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepRuns.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.ledgerPurged); got != 10 {
		t.Fatalf("expected 10 purged, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("debit", OutcomeError, time.Millisecond)
	m.ReplayHit("ledger")
	m.SweepRun("error", 1)
	m.LedgerPurged(1)
}
