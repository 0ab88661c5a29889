package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// Outcome is what acceptance and provenance strategies see of a settled run.
type Outcome struct {
	Job          core.JobSpec
	Plan         core.PlanSpec
	Nodes        []core.NodeResult
	Deliverables []core.BoundDeliverable
	// Artifacts holds every artifact the run produced, keyed by id.
	Artifacts map[string]core.Artifact
}

func (r *Runner) finalize(ctx context.Context, st *runState, started time.Time) *core.RunnerResult {
	outputs, results, _ := st.snapshot()

	nodes := make([]core.NodeResult, 0, len(st.plan.Graph.Nodes))
	var failed []core.NodeResult
	for _, n := range st.plan.Graph.Nodes {
		res, ok := results[n.ID]
		if !ok {
			continue
		}
		nodes = append(nodes, res)
		if res.Status != core.NodeSuccess {
			failed = append(failed, res)
		}
	}

	var ids []string
	for _, n := range st.plan.Graph.Nodes {
		ids = append(ids, outputs[n.ID]...)
	}
	arts, err := r.artifacts.GetMany(ctx, ids)
	if err != nil {
		r.logger.Printf("load run artifacts run=%s err=%v", st.runID, err)
		arts = map[string]core.Artifact{}
	}

	deliverables := bindDeliverables(st.plan, results)
	out := Outcome{Job: st.job, Plan: st.plan, Nodes: nodes, Deliverables: deliverables, Artifacts: arts}
	acceptance := r.acceptance.Check(ctx, out)
	if acceptance == nil {
		acceptance = []core.AcceptanceResult{}
	}
	provenance := r.provenance.Build(ctx, out)
	if provenance == nil {
		provenance = []core.ProvenanceEntry{}
	}

	status := core.ResultSuccess
	switch {
	case len(failed) == 0:
	case len(deliverables) > 0:
		status = core.ResultPartial
	default:
		status = core.ResultFailed
	}

	return &core.RunnerResult{
		RunID:        st.runID,
		Status:       status,
		Summary:      summarize(st, status, nodes, failed, deliverables, acceptance),
		Deliverables: deliverables,
		Nodes:        nodes,
		Acceptance:   acceptance,
		Provenance:   provenance,
		ExecutionMS:  r.now().Sub(started).Milliseconds(),
		CreatedAt:    r.now(),
	}
}

// bindDeliverables maps every plan binding whose node succeeded to that node's primary artifact.
func bindDeliverables(plan core.PlanSpec, results map[string]core.NodeResult) []core.BoundDeliverable {
	out := []core.BoundDeliverable{}
	for _, b := range plan.DeliverableBindings {
		res, ok := results[b.NodeID]
		if !ok || res.Status != core.NodeSuccess || len(res.OutputRefs) == 0 {
			continue
		}
		title := b.NodeID
		if n, ok := plan.Graph.Node(b.NodeID); ok && n.Title != "" {
			title = n.Title
		}
		out = append(out, core.BoundDeliverable{
			Type:        b.Deliverable.Type,
			Format:      b.Deliverable.Format,
			ArtifactID:  res.OutputRefs[0],
			NodeID:      b.NodeID,
			Description: fmt.Sprintf("%s (%s) produced by %s", b.Deliverable.Type, b.Deliverable.Format, title),
		})
	}
	return out
}

// summarize builds the user-facing narrative. Raw node errors stay on the node results.
func summarize(st *runState, status core.ResultStatus, nodes, failed []core.NodeResult, deliverables []core.BoundDeliverable, acceptance []core.AcceptanceResult) core.ResultSummary {
	s := core.ResultSummary{Highlights: []string{}, Caveats: []string{}, NextActions: []string{}}

	s.Highlights = append(s.Highlights, fmt.Sprintf("Completed %d of %d steps", len(nodes)-len(failed), len(st.plan.Graph.Nodes)))
	for _, d := range deliverables {
		s.Highlights = append(s.Highlights, "Produced "+d.Description)
	}
	passed := 0
	for _, a := range acceptance {
		if a.Passed {
			passed++
		}
	}
	if len(acceptance) > 0 {
		s.Highlights = append(s.Highlights, fmt.Sprintf("%d of %d acceptance criteria confirmed", passed, len(acceptance)))
	}

	for _, f := range failed {
		title := f.NodeID
		if n, ok := st.plan.Graph.Node(f.NodeID); ok && n.Title != "" {
			title = n.Title
		}
		s.Caveats = append(s.Caveats, fmt.Sprintf("Step %q did not complete after %d attempt(s)", title, f.Attempts))
	}
	for _, b := range st.monitor.Breaches() {
		s.Caveats = append(s.Caveats, fmt.Sprintf("The %s budget was exceeded (%s used, limit %s)", b.Kind, b.Usage, b.Limit))
	}
	for _, a := range acceptance {
		if !a.Passed {
			s.Caveats = append(s.Caveats, "Not confirmed: "+a.Criterion)
		}
	}
	for _, gap := range st.plan.CoverageGaps {
		if strings.TrimSpace(gap) == "" {
			s.Caveats = append(s.Caveats, "A blank acceptance criterion was ignored")
			continue
		}
		s.Caveats = append(s.Caveats, "No step addresses: "+gap)
	}

	switch status {
	case core.ResultSuccess:
		s.NextActions = append(s.NextActions, "Review the deliverable and its cited sources")
	case core.ResultPartial:
		s.NextActions = append(s.NextActions, "Review the partial deliverable", "Re-run to retry the steps that did not complete")
	default:
		s.NextActions = append(s.NextActions, "Re-run the job, or adjust its sources and constraints")
	}
	if len(st.plan.CoverageGaps) > 0 {
		s.NextActions = append(s.NextActions, "Clarify or drop the acceptance criteria no step covers")
	}
	return s
}
