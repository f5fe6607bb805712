package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Compilations.Inc()
	m.CacheLookups.WithLabelValues(CacheHit).Inc()
	m.TransferredBytes.WithLabelValues(ToServer).Add(12)

	if got := testutil.ToFloat64(m.Compilations); got != 1 {
		t.Errorf("expected 1 compilation, got %v", got)
	}
	if got := testutil.ToFloat64(m.TransferredBytes.WithLabelValues(ToServer)); got != 12 {
		t.Errorf("expected 12 bytes, got %v", got)
	}
	// Vectors only report children that have been used.
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 6 {
		t.Errorf("expected 6 metrics, got %d (%v)", n, err)
	}
}

func TestNewWithoutRegistry(t *testing.T) {
	a, b := New(nil), New(nil)
	a.Executions.Inc()
	if got := testutil.ToFloat64(b.Executions); got != 0 {
		t.Errorf("expected independent collectors, got %v", got)
	}
}
