package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/taskforge/internal/budget"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/planner"
)

// runState is the in-memory view of one executing run.
type runState struct {
	runID   string
	job     core.JobSpec
	plan    core.PlanSpec
	monitor *budget.Monitor

	mu      sync.Mutex
	outputs map[string][]string
	results map[string]core.NodeResult
	events  []core.Event
}

func (st *runState) artifactsOf(nodeID string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.outputs[nodeID]...)
}

func (st *runState) settle(res core.NodeResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.results[res.NodeID] = res
	if len(res.OutputRefs) > 0 {
		st.outputs[res.NodeID] = append([]string(nil), res.OutputRefs...)
	}
}

func (st *runState) snapshot() (map[string][]string, map[string]core.NodeResult, []core.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	outputs := make(map[string][]string, len(st.outputs))
	for k, v := range st.outputs {
		outputs[k] = append([]string(nil), v...)
	}
	results := make(map[string]core.NodeResult, len(st.results))
	for k, v := range st.results {
		results[k] = v
	}
	return outputs, results, append([]core.Event(nil), st.events...)
}

func (r *Runner) event(st *runState, typ core.EventType, nodeID string, attempt int, msg string) {
	ev := core.Event{Type: typ, RunID: st.runID, NodeID: nodeID, Attempt: attempt, Message: msg, At: r.now()}
	st.mu.Lock()
	st.events = append(st.events, ev)
	st.mu.Unlock()
	r.logger.Printf("event=%s run=%s node=%s attempt=%d %s", typ, st.runID, nodeID, attempt, msg)
}

// checkStructure rejects plans that cannot be scheduled before any node runs.
func (r *Runner) checkStructure(plan core.PlanSpec) error {
	if err := planner.Validate(plan); err != nil {
		var verrs planner.ValidationErrors
		if errors.As(err, &verrs) {
			for _, v := range verrs {
				if strings.HasPrefix(v.Message, "unknown ") {
					return fmt.Errorf("%w: %w: %w", ErrStructural, ErrUnknownNode, err)
				}
			}
		}
		return fmt.Errorf("%w: %w", ErrStructural, err)
	}
	if r.skills == nil {
		return nil
	}
	for _, n := range plan.Graph.Nodes {
		if _, ok := r.skills.Skill(n.Skill); !ok {
			return fmt.Errorf("%w: %w: node %s uses %s", ErrStructural, ErrUnknownSkill, n.ID, n.Skill)
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, sess core.RunnerSession, onStatus func(core.RunStatus)) (*core.RunnerResult, error) {
	if onStatus == nil {
		onStatus = func(core.RunStatus) {}
	}
	started := r.now()
	ctx, span := r.tracer.Start(ctx, "runner.run", trace.WithAttributes(
		attribute.String("run_id", sess.RunID),
		attribute.String("plan_id", sess.Plan.PlanID),
		attribute.Int("nodes", len(sess.Plan.Graph.Nodes)),
	))
	defer span.End()
	// Session writes must land even when the run itself was cancelled.
	storeCtx := context.WithoutCancel(ctx)

	st := &runState{
		runID:   sess.RunID,
		job:     sess.Job,
		plan:    sess.Plan,
		monitor: budget.NewMonitor(budget.FromJob(sess.Job), r.now),
		outputs: map[string][]string{},
		results: map[string]core.NodeResult{},
	}

	if err := r.checkStructure(sess.Plan); err != nil {
		r.logger.Printf("run rejected run=%s err=%v", sess.RunID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "structural")
		res := &core.RunnerResult{
			RunID:  sess.RunID,
			Status: core.ResultFailed,
			Summary: core.ResultSummary{
				Highlights:  []string{},
				Caveats:     []string{"The plan could not be scheduled, so no step was executed"},
				NextActions: []string{"Recompile the plan from the job specification and submit it again"},
			},
			Deliverables: []core.BoundDeliverable{},
			Nodes:        []core.NodeResult{},
			Acceptance:   []core.AcceptanceResult{},
			Provenance:   []core.ProvenanceEntry{},
			ExecutionMS:  r.now().Sub(started).Milliseconds(),
			CreatedAt:    r.now(),
		}
		r.finishSession(storeCtx, st, res, core.RunFailed)
		onStatus(core.RunFailed)
		if r.metrics.RunFinished != nil {
			r.metrics.RunFinished(ctx, res.Status)
		}
		return res, err
	}

	if _, err := r.sessions.Update(storeCtx, sess.RunID, func(s *core.RunnerSession) error {
		return s.Transition(core.RunRunning, started)
	}); err != nil {
		return nil, fmt.Errorf("start run %s: %w", sess.RunID, err)
	}
	onStatus(core.RunRunning)
	r.event(st, core.EventRunStarted, "", 0, fmt.Sprintf("plan=%s nodes=%d parallelism=%s",
		sess.Plan.PlanID, len(sess.Plan.Graph.Nodes), sess.Plan.Parallelism))

	r.schedule(ctx, st, storeCtx)

	res := r.finalize(ctx, st, started)
	final := core.RunCompleted
	if res.Status == core.ResultFailed {
		final = core.RunFailed
		span.SetStatus(codes.Error, "run failed")
	}
	r.event(st, core.EventRunCompleted, "", 0, fmt.Sprintf("status=%s deliverables=%d", res.Status, len(res.Deliverables)))
	r.finishSession(storeCtx, st, res, final)
	onStatus(final)
	if r.metrics.RunFinished != nil {
		r.metrics.RunFinished(ctx, res.Status)
	}
	r.logger.Printf("run finished run=%s status=%s duration_ms=%d", sess.RunID, res.Status, res.ExecutionMS)
	return res, nil
}

// schedule runs ready nodes in waves bounded by the plan's parallelism ceiling. Every
// settled node, failed or not, releases its dependents.
func (r *Runner) schedule(ctx context.Context, st *runState, storeCtx context.Context) {
	deps := planner.Dependencies(st.plan)
	indegree := make(map[string]int, len(st.plan.Graph.Nodes))
	adjacency := make(map[string][]string, len(st.plan.Graph.Nodes))
	for _, n := range st.plan.Graph.Nodes {
		indegree[n.ID] = len(deps[n.ID])
		for _, d := range deps[n.ID] {
			adjacency[d] = append(adjacency[d], n.ID)
		}
	}
	ceiling := r.env.Ceiling(st.plan.Parallelism)
	settled := make(map[string]bool, len(st.plan.Graph.Nodes))

	for len(settled) < len(st.plan.Graph.Nodes) {
		var ready []core.PlanNode
		for _, n := range st.plan.Graph.Nodes {
			if !settled[n.ID] && indegree[n.ID] == 0 {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			// Unreachable after checkStructure; kept so a bad graph can never spin.
			r.logger.Printf("run stalled run=%s remaining=%d", st.runID, len(st.plan.Graph.Nodes)-len(settled))
			return
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

		g := new(errgroup.Group)
		g.SetLimit(ceiling)
		for _, n := range ready {
			n := n
			g.Go(func() error {
				st.settle(r.runNode(ctx, st, n))
				return nil
			})
		}
		_ = g.Wait()

		for _, n := range ready {
			settled[n.ID] = true
			for _, next := range adjacency[n.ID] {
				indegree[next]--
			}
		}
		r.persist(storeCtx, st)
	}
}

func (r *Runner) persist(ctx context.Context, st *runState) {
	outputs, results, events := st.snapshot()
	if _, err := r.sessions.Update(ctx, st.runID, func(s *core.RunnerSession) error {
		s.NodeArtifacts = outputs
		s.NodeResults = results
		s.Events = events
		return nil
	}); err != nil {
		r.logger.Printf("persist run=%s err=%v", st.runID, err)
	}
}

func (r *Runner) finishSession(ctx context.Context, st *runState, res *core.RunnerResult, status core.RunStatus) {
	outputs, results, events := st.snapshot()
	if _, err := r.sessions.Update(ctx, st.runID, func(s *core.RunnerSession) error {
		s.NodeArtifacts = outputs
		s.NodeResults = results
		s.Events = events
		s.Result = res
		return s.Transition(status, r.now())
	}); err != nil {
		r.logger.Printf("finish run=%s err=%v", st.runID, err)
	}
}
