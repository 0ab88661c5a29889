package runner

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

func TestPrometheusMetricsPerRegistry(t *testing.T) {
	first := prometheus.NewRegistry()
	second := prometheus.NewRegistry()
	m1 := PrometheusMetrics(first)
	m2 := PrometheusMetrics(second)

	m1.RunFinished(context.Background(), core.ResultSuccess)
	m2.RunFinished(context.Background(), core.ResultFailed)
	m2.NodeDuration(context.Background(), core.PlanNode{Skill: "web_search"}, time.Second)

	if n := testutil.CollectAndCount(first, "taskforge_runs_total"); n != 1 {
		t.Fatalf("first registry runs series = %d", n)
	}
	if n := testutil.CollectAndCount(second, "taskforge_runs_total", "taskforge_node_duration_seconds"); n != 2 {
		t.Fatalf("second registry series = %d", n)
	}
}

func TestPrometheusMetricsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := PrometheusMetrics(reg)
	b := PrometheusMetrics(reg)
	a.NodeAttempt(context.Background(), core.PlanNode{Skill: "web_search"}, 0, true)
	b.NodeAttempt(context.Background(), core.PlanNode{Skill: "web_search"}, 1, true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "taskforge_node_attempts_total" {
			continue
		}
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 2 {
			t.Fatalf("attempts = %v, want 2", got)
		}
		return
	}
	t.Fatalf("taskforge_node_attempts_total not gathered")
}
