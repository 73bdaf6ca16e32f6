package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCore(t *testing.T) {
	m := Core()
	if m != Core() {
		t.Fatal("Core should return the same collectors")
	}

	before := testutil.ToFloat64(m.transitions.WithLabelValues("batch", "committed"))
	m.Transition("batch", "committed")

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("batch", "committed")); got != before+1 {
		t.Errorf("transition counter = %v, want %v", got, before+1)
	}

	m.Request("/batches", "201", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("/batches", "201")); got < 1 {
		t.Errorf("request counter = %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	// none of these may panic
	m.Transition("escrow", "locked")
	m.Vote("validation", "approve")
	m.Settlement("committed")
	m.External("ledger.submit", "ok")
	m.Request("/", "200", time.Second)
}
