package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisteredCollectorsAreGathered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Translations.Inc()
	m.Lookups.WithLabelValues(LevelHash).Add(3)

	if got := testutil.ToFloat64(m.Translations); got != 1 {
		t.Errorf("translations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Lookups.WithLabelValues(LevelHash)); got != 3 {
		t.Errorf("hash lookups = %v, want 3", got)
	}
	n, err := testutil.GatherAndCount(reg, "dbt_tb_translations_total", "dbt_tb_lookups_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 2 {
		t.Errorf("gathered %d series, want 2", n)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("OrNop(nil) returned nil")
	}
	m := New(nil)
	if OrNop(m) != m {
		t.Errorf("OrNop replaced a non-nil set")
	}
}
