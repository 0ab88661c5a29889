package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	NodeAttempt  func(ctx context.Context, node core.PlanNode, attempt int, ok bool)
	NodeDuration func(ctx context.Context, node core.PlanNode, d time.Duration)
	RunFinished  func(ctx context.Context, status core.ResultStatus)
	InFlight     func(n int)
}

// PrometheusMetrics builds the runner collectors, registers them with reg and returns
// callbacks feeding them. Collectors already registered with reg are reused, so several
// runners can share one registry. A nil reg uses the default registerer.
func PrometheusMetrics(reg prometheus.Registerer) Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	nodeAttempts := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_node_attempts_total",
		Help: "Node execution attempts by skill and outcome",
	}, []string{"skill", "outcome"}))
	nodeDurations := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskforge_node_duration_seconds",
		Help:    "Wall time of settled nodes including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"skill"}))
	runsTotal := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_runs_total",
		Help: "Finished runs by result status",
	}, []string{"status"}))
	nodesInFlight := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_nodes_in_flight",
		Help: "Nodes currently executing",
	}))
	return Metrics{
		NodeAttempt: func(_ context.Context, node core.PlanNode, _ int, ok bool) {
			outcome := "failure"
			if ok {
				outcome = "success"
			}
			nodeAttempts.WithLabelValues(node.Skill, outcome).Inc()
		},
		NodeDuration: func(_ context.Context, node core.PlanNode, d time.Duration) {
			nodeDurations.WithLabelValues(node.Skill).Observe(d.Seconds())
		},
		RunFinished: func(_ context.Context, status core.ResultStatus) {
			runsTotal.WithLabelValues(string(status)).Inc()
		},
		InFlight: func(n int) { nodesInFlight.Set(float64(n)) },
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// inflight counts executing nodes and remembers the peak.
type inflight struct {
	mu      sync.Mutex
	current int
	peak    int
	report  func(int)
}

func (f *inflight) enter() {
	f.mu.Lock()
	f.current++
	if f.current > f.peak {
		f.peak = f.current
	}
	n := f.current
	f.mu.Unlock()
	if f.report != nil {
		f.report(n)
	}
}

func (f *inflight) leave() {
	f.mu.Lock()
	f.current--
	n := f.current
	f.mu.Unlock()
	if f.report != nil {
		f.report(n)
	}
}

func (f *inflight) max() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}
