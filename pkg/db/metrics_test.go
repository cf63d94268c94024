package db

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func describe(c prometheus.Collector) []*prometheus.Desc {
	ch := make(chan *prometheus.Desc, 10)
	go func() {
		c.Describe(ch)
		close(ch)
	}()
	var descs []*prometheus.Desc
	for d := range ch {
		descs = append(descs, d)
	}
	return descs
}

func TestPoolStatsCollector_Describe(t *testing.T) {
	descs := describe(NewPoolStatsCollector(nil, "capture", "archive"))

	expectedNames := []string{
		"capture_db_pool_total_conns",
		"capture_db_pool_idle_conns",
		"capture_db_pool_acquired_conns",
		"capture_db_pool_max_conns",
		"capture_db_pool_acquires_total",
		"capture_db_pool_empty_acquires_total",
	}
	if len(descs) != len(expectedNames) {
		t.Fatalf("expected %d descriptors, got %d", len(expectedNames), len(descs))
	}
	for i, desc := range descs {
		s := desc.String()
		if !strings.Contains(s, `"`+expectedNames[i]+`"`) {
			t.Errorf("expected descriptor %s, got %s", expectedNames[i], s)
		}
		if !strings.Contains(s, `pool="archive"`) {
			t.Errorf("expected pool label in %s", s)
		}
	}
}

func TestPoolStatsCollector_Collect_NilPool(t *testing.T) {
	collector := NewPoolStatsCollector(nil, "capture", "archive")

	ch := make(chan prometheus.Metric, 10)
	go func() {
		collector.Collect(ch)
		close(ch)
	}()

	n := 0
	for range ch {
		n++
	}
	if n != 0 {
		t.Errorf("expected 0 metrics for nil pool, got %d", n)
	}
}

func TestRegisterPoolStatsCollector_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	if _, err := RegisterPoolStatsCollector(reg, nil, "capture", "archive"); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := RegisterPoolStatsCollector(reg, nil, "capture", "archive"); err != nil {
		t.Fatalf("second registration should not error: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
}

func TestPoolStatsCollector_Lint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewPoolStatsCollector(nil, "capture", "archive"))
	if err != nil {
		t.Fatalf("CollectAndLint failed: %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint problem: %s", p.Text)
	}
}
