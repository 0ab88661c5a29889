package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/artifact"
	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/planner"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
	"github.com/mohammad-safakhou/taskforge/internal/runstore"
	"github.com/mohammad-safakhou/taskforge/internal/tools"
)

const textContract = "text"

func node(id, skill string, deps ...string) core.PlanNode {
	n := core.PlanNode{
		ID:      id,
		Title:   "step " + id,
		Skill:   skill,
		Outputs: []core.NodeOutput{{Contract: textContract, ArtifactType: core.ArtifactJSON}},
	}
	if len(deps) == 0 {
		n.Inputs = []core.NodeInput{{Contract: core.ContractJobInput}}
	}
	for _, d := range deps {
		d := d
		n.Inputs = append(n.Inputs, core.NodeInput{Source: &d, Contract: textContract})
	}
	return n
}

func planOf(p core.Parallelism, nodes ...core.PlanNode) core.PlanSpec {
	return core.PlanSpec{TaskID: "task_t", PlanID: "plan_t", Parallelism: p, Graph: core.PlanGraph{Nodes: nodes}}
}

func echo(name string) tools.Tool {
	return tools.Func{ToolName: name, Fn: func(_ context.Context, req tools.Request) tools.Result {
		return tools.OK(textContract, name+" for "+req.NodeID)
	}}
}

func failing(name string, calls *int32) tools.Tool {
	return tools.Func{ToolName: name, Fn: func(context.Context, tools.Request) tools.Result {
		atomic.AddInt32(calls, 1)
		return tools.Fail("%s is down", name)
	}}
}

func noSleep(context.Context, time.Duration) error { return nil }

func testEnv(retries int) EnvConfig {
	env := DefaultEnvConfig()
	env.Backoff = Backoff{Initial: 10 * time.Millisecond, Factor: 2, MaxRetries: retries}
	env.NodeTimeout = time.Second
	return env
}

func researchJob() core.JobSpec {
	return core.JobSpec{
		TaskID:       "task_acme",
		Intent:       "research Acme Corp and summarize it",
		Goal:         "Acme Corp",
		TaskType:     core.TaskResearch,
		Deliverables: []core.Deliverable{{Type: "report", Format: "md"}},
		Constraints:  core.Constraints{Privacy: core.PrivacyPublic},
		AcceptanceCriteria: []string{
			"Report cites source URLs for every finding",
			"Report includes a summary of the key findings",
		},
	}
}

func researchTools() *tools.Registry {
	src := "https://acme.example.com/about"
	cite := core.Citation{URL: src, Title: "About Acme"}
	return tools.NewRegistry(
		tools.Func{ToolName: capability.SkillWebSearch, Fn: func(_ context.Context, req tools.Request) tools.Result {
			if _, ok := core.FindEnvelope(req.Inputs, core.ContractJobInput); !ok {
				return tools.Fail("no job input")
			}
			return tools.OK(core.ContractSearchResults, []core.SearchHit{{URL: src, Title: "About Acme"}})
		}},
		tools.Func{ToolName: capability.SkillFetchExtract, Fn: func(_ context.Context, req tools.Request) tools.Result {
			env, ok := core.FindEnvelope(req.Inputs, core.ContractSearchResults)
			if !ok {
				return tools.Fail("no search results")
			}
			hits, err := core.DecodeEnvelope[[]core.SearchHit](env, core.ContractSearchResults)
			if err != nil || len(hits) == 0 {
				return tools.Fail("bad hits: %v", err)
			}
			return tools.OK(core.ContractDocumentsRaw, []core.Document{{URL: hits[0].URL, Content: "Acme builds rockets."}})
		}},
		tools.Func{ToolName: capability.SkillNormalizeDedupe, Fn: func(_ context.Context, req tools.Request) tools.Result {
			env, _ := core.FindEnvelope(req.Inputs, core.ContractDocumentsRaw)
			docs, err := core.DecodeEnvelope[[]core.Document](env, core.ContractDocumentsRaw)
			if err != nil {
				return tools.Fail("%v", err)
			}
			return tools.OK(core.ContractDocumentsClean, docs)
		}},
		tools.Func{ToolName: capability.SkillStructureFindings, Fn: func(_ context.Context, req tools.Request) tools.Result {
			if _, ok := core.FindEnvelope(req.Inputs, core.ContractDocumentsClean); !ok {
				return tools.Fail("no documents")
			}
			return tools.Result{
				Success: true,
				Output:  mustEnvelope(core.ContractFindings, []core.Finding{{Claim: "Acme builds rockets", Citations: []core.Citation{cite}, Confidence: 0.8}}),
				Tokens:  120,
			}
		}},
		tools.Func{ToolName: capability.SkillSynthesizeReport, Fn: func(_ context.Context, req tools.Request) tools.Result {
			if _, ok := core.FindEnvelope(req.Inputs, core.ContractFindings); !ok {
				return tools.Fail("no findings")
			}
			body := "# Acme Corp\n\n## Summary\n\n1 findings drawn from 1 sources.\n\n## Findings\n\n1. Acme builds rockets [1]\n\n## Sources\n\n[1] About Acme <" + src + ">\n"
			return tools.OK(core.ContractReport, core.Report{Title: "Acme Corp", Format: "md", Body: body, Citations: []core.Citation{cite}})
		}},
	)
}

func mustEnvelope(contract string, v any) *core.Envelope {
	env, err := core.NewEnvelope(contract, v)
	if err != nil {
		panic(err)
	}
	return &env
}

func compileResearch(t *testing.T) (core.JobSpec, core.PlanSpec, *capability.Registry) {
	t.Helper()
	reg, err := capability.NewRegistry(capability.DefaultSkillCards(), "", nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	job := researchJob()
	plan, err := planner.Compile(job, reg)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return job, plan, reg
}

func TestSubmitRunResearchHappyPath(t *testing.T) {
	job, plan, reg := compileResearch(t)
	arts := artifact.NewMemoryStore()
	sessions := runstore.NewMemoryStore()

	res, err := SubmitRun(context.Background(), job, plan, reg, testEnv(1),
		WithTools(researchTools()),
		WithArtifactStore(arts),
		WithSessionStore(sessions),
		WithAcceptance(KeywordAcceptance{}),
		WithSleep(noSleep),
	)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != core.ResultSuccess {
		t.Fatalf("status = %s, nodes=%+v", res.Status, res.Nodes)
	}
	if len(res.Nodes) != 5 {
		t.Fatalf("expected 5 node results, got %d", len(res.Nodes))
	}
	for _, n := range res.Nodes {
		if n.Status != core.NodeSuccess || n.Attempts != 1 || len(n.OutputRefs) != 1 {
			t.Fatalf("unexpected node result: %+v", n)
		}
	}
	if len(res.Deliverables) != 1 {
		t.Fatalf("expected one deliverable, got %+v", res.Deliverables)
	}
	d := res.Deliverables[0]
	if d.Type != "report" || d.Format != "md" || d.NodeID != "n5_synthesize_report" {
		t.Fatalf("unexpected deliverable: %+v", d)
	}
	report, err := arts.Get(context.Background(), d.ArtifactID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.Type != core.ArtifactMarkdown || !strings.HasPrefix(report.Content, "# Acme Corp") {
		t.Fatalf("report artifact should hold the markdown body: %+v", report)
	}
	meta := report.Metadata
	if meta[core.MetaRunID] != res.RunID || meta[core.MetaNodeID] != "n5_synthesize_report" ||
		meta[core.MetaContract] != core.ContractReport || meta[core.MetaSkill] != "synthesize_report" || meta[core.MetaAttempt] != "1" {
		t.Fatalf("unexpected artifact metadata: %v", meta)
	}
	for _, a := range res.Acceptance {
		if !a.Passed {
			t.Fatalf("criterion not accepted: %+v", a)
		}
	}
	if len(res.Provenance) != 5 {
		t.Fatalf("expected provenance for 5 artifacts, got %d", len(res.Provenance))
	}
	last := res.Provenance[4]
	if len(last.Inputs) != 1 || len(last.Sources) != 1 || last.Sources[0] != "https://acme.example.com/about" {
		t.Fatalf("unexpected report provenance: %+v", last)
	}

	sess, err := sessions.Get(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Status != core.RunCompleted || sess.Result == nil || sess.CompletedAt == nil {
		t.Fatalf("session not finalised: %+v", sess)
	}
	if len(sess.NodeArtifacts) != 5 || len(sess.NodeResults) != 5 {
		t.Fatalf("session lineage incomplete: %v", sess.NodeArtifacts)
	}
	if sess.Events[0].Type != core.EventRunStarted || sess.Events[len(sess.Events)-1].Type != core.EventRunCompleted {
		t.Fatalf("unexpected event log: %+v", sess.Events)
	}
}

func TestRetryBoundAndBackoff(t *testing.T) {
	var calls int32
	var delays []time.Duration
	r := New(
		WithTools(tools.NewRegistry(failing("flaky", &calls))),
		WithEnv(testEnv(2)),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)
	res, err := r.Submit(context.Background(), RunRequest{Plan: planOf(core.ParallelismSequential, node("a", "flaky"))})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if calls != 3 || res.Nodes[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d attempts=%d", calls, res.Nodes[0].Attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff delays: %v", delays)
	}
	if res.Status != core.ResultFailed || res.Nodes[0].Error == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, c := range res.Summary.Caveats {
		if strings.Contains(c, "is down") {
			t.Fatalf("summary leaks tool error: %q", c)
		}
	}
}

func TestParallelismCeiling(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	slow := tools.Func{ToolName: "slow", Fn: func(ctx context.Context, req tools.Request) tools.Result {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return tools.OK(textContract, req.NodeID)
	}}
	var nodes []core.PlanNode
	for i := 0; i < 6; i++ {
		nodes = append(nodes, node(fmt.Sprintf("n%d", i), "slow"))
	}
	nodes = append(nodes, node("join", "slow", "n0", "n5"))

	for _, tc := range []struct {
		p    core.Parallelism
		want int
	}{
		{core.ParallelismSequential, 1},
		{core.ParallelismSafe, 2},
		{core.ParallelismAggressive, 4},
	} {
		mu.Lock()
		peak = 0
		mu.Unlock()
		r := New(WithTools(tools.NewRegistry(slow)), WithEnv(testEnv(0)))
		res, err := r.Submit(context.Background(), RunRequest{Plan: planOf(tc.p, nodes...)})
		if err != nil || res.Status != core.ResultSuccess {
			t.Fatalf("%s: %v %+v", tc.p, err, res)
		}
		if peak > tc.want || r.MaxInFlight() > tc.want {
			t.Fatalf("%s: ceiling %d exceeded, peak=%d inflight=%d", tc.p, tc.want, peak, r.MaxInFlight())
		}
	}
}

func TestSelfLoopIsCycle(t *testing.T) {
	var calls int32
	r := New(WithTools(tools.NewRegistry(failing("x", &calls))))
	plan := planOf(core.ParallelismSafe, node("a", "x"))
	plan.Graph.Edges = []core.PlanEdge{{From: "a", To: "a"}}
	_, err := r.Submit(context.Background(), RunRequest{Plan: plan})
	if !errors.Is(err, ErrStructural) || !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected structural cycle error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("no node may run on a self loop, calls=%d", calls)
	}
}

func TestCycleFailsBeforeAnyNode(t *testing.T) {
	var calls int32
	sessions := runstore.NewMemoryStore()
	r := New(WithTools(tools.NewRegistry(failing("x", &calls))), WithSessionStore(sessions))
	a := node("a", "x", "b")
	b := node("b", "x", "a")
	res, err := r.Submit(context.Background(), RunRequest{Plan: planOf(core.ParallelismSafe, a, b)})
	if !errors.Is(err, ErrStructural) || !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected structural cycle error, got %v", err)
	}
	if calls != 0 || len(res.Nodes) != 0 || res.Status != core.ResultFailed {
		t.Fatalf("no node may run on a cyclic plan: calls=%d res=%+v", calls, res)
	}
	sess, _ := sessions.Get(context.Background(), res.RunID)
	if sess.Status != core.RunFailed {
		t.Fatalf("session status = %s", sess.Status)
	}
}

func TestUnknownSkillIsStructural(t *testing.T) {
	reg, _ := capability.NewRegistry(capability.DefaultSkillCards(), "", nil)
	_, err := SubmitRun(context.Background(), core.JobSpec{}, planOf(core.ParallelismSafe, node("a", "teleport")), reg, testEnv(0),
		WithTools(tools.NewRegistry(echo("teleport"))))
	if !errors.Is(err, ErrStructural) || !errors.Is(err, ErrUnknownSkill) {
		t.Fatalf("expected unknown skill error, got %v", err)
	}
}

func TestPartialWhenDeliverableSurvives(t *testing.T) {
	var calls int32
	report := node("report", "echo", "src")
	plan := planOf(core.ParallelismSafe, node("src", "echo"), report, node("side", "broken"))
	plan.DeliverableBindings = []core.DeliverableBinding{{Deliverable: core.Deliverable{Type: "report", Format: "md"}, NodeID: "report"}}

	r := New(WithTools(tools.NewRegistry(echo("echo"), failing("broken", &calls))), WithEnv(testEnv(1)), WithSleep(noSleep))
	res, err := r.Submit(context.Background(), RunRequest{Plan: plan})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != core.ResultPartial || len(res.Deliverables) != 1 {
		t.Fatalf("expected partial with one deliverable, got %s %+v", res.Status, res.Deliverables)
	}
	if calls != 2 {
		t.Fatalf("broken node attempts = %d", calls)
	}
	found := false
	for _, c := range res.Summary.Caveats {
		if strings.Contains(c, "step side") {
			found = true
		}
	}
	if !found {
		t.Fatalf("caveats should name the failed step: %v", res.Summary.Caveats)
	}
}

func TestDependentsOfFailedNodeAreAttempted(t *testing.T) {
	var calls, downstream int32
	plan := planOf(core.ParallelismSafe, node("a", "broken"), node("b", "after", "a"))
	plan.DeliverableBindings = []core.DeliverableBinding{{Deliverable: core.Deliverable{Type: "report", Format: "md"}, NodeID: "b"}}
	after := tools.Func{ToolName: "after", Fn: func(context.Context, tools.Request) tools.Result {
		atomic.AddInt32(&downstream, 1)
		return tools.OK(textContract, "unreachable")
	}}
	r := New(WithTools(tools.NewRegistry(failing("broken", &calls), after)), WithEnv(testEnv(1)), WithSleep(noSleep))
	res, err := r.Submit(context.Background(), RunRequest{Plan: plan})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != core.ResultFailed || len(res.Nodes) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	b := res.Nodes[1]
	if b.Status != core.NodeFailed || b.Attempts != 2 || !strings.Contains(b.Error, "input") {
		t.Fatalf("dependent should fail on input resolution after retries: %+v", b)
	}
	if downstream != 0 {
		t.Fatalf("tool must not run without its inputs")
	}
}

func TestFallbackWithinAttempt(t *testing.T) {
	var calls int32
	n := node("a", "primary")
	n.Fallbacks = []string{"backup"}
	arts := artifact.NewMemoryStore()
	r := New(WithTools(tools.NewRegistry(failing("primary", &calls), echo("backup"))), WithArtifactStore(arts), WithEnv(testEnv(2)))
	res, err := r.Submit(context.Background(), RunRequest{Plan: planOf(core.ParallelismSafe, n)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := res.Nodes[0]
	if got.Status != core.NodeSuccess || got.Attempts != 1 || got.Skill != "backup" || calls != 1 {
		t.Fatalf("fallback should succeed in the first attempt: %+v calls=%d", got, calls)
	}
	a, _ := arts.Get(context.Background(), got.OutputRefs[0])
	if a.Metadata[core.MetaSkill] != "backup" {
		t.Fatalf("artifact should record the skill that produced it: %v", a.Metadata)
	}
}

func TestNodeTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := tools.Func{ToolName: "stuck", Fn: func(context.Context, tools.Request) tools.Result {
		<-release
		return tools.OK(textContract, "late")
	}}
	env := testEnv(0)
	env.NodeTimeout = 20 * time.Millisecond
	r := New(WithTools(tools.NewRegistry(stuck)), WithEnv(env))
	res, err := r.Submit(context.Background(), RunRequest{Plan: planOf(core.ParallelismSafe, node("a", "stuck"))})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Nodes[0].Status != core.NodeFailed || !strings.Contains(res.Nodes[0].Error, "timed out") {
		t.Fatalf("expected timeout failure: %+v", res.Nodes[0])
	}
}

func TestBudgetBreachAddsCaveat(t *testing.T) {
	hungry := tools.Func{ToolName: "hungry", Fn: func(context.Context, tools.Request) tools.Result {
		res := tools.OK(textContract, "ok")
		res.Tokens = 500
		return res
	}}
	job := core.JobSpec{Constraints: core.Constraints{TokenBudget: 100}}
	r := New(WithTools(tools.NewRegistry(hungry)), WithEnv(testEnv(0)))
	res, err := r.Submit(context.Background(), RunRequest{Job: job, Plan: planOf(core.ParallelismSafe, node("a", "hungry"))})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != core.ResultSuccess {
		t.Fatalf("budget breach must not abort the run: %s", res.Status)
	}
	found := false
	for _, c := range res.Summary.Caveats {
		if strings.Contains(c, "tokens budget") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected budget caveat, got %v", res.Summary.Caveats)
	}
}

func TestPolicyFiltersFetchURLs(t *testing.T) {
	var got []string
	fetch := tools.Func{ToolName: capability.SkillHTTPFetch, Fn: func(_ context.Context, req tools.Request) tools.Result {
		got = anyStrings(req.Params["urls"])
		return tools.OK(textContract, "ok")
	}}
	n := node("a", capability.SkillHTTPFetch)
	n.Params = map[string]any{"urls": []any{"https://ok.example.com/a", "https://www.blocked.example/b"}}
	r := New(
		WithTools(tools.NewRegistry(fetch)),
		WithEnv(testEnv(0)),
		WithPolicy(policy.NewDomainPolicy(nil, []string{"blocked.example"})),
	)
	if _, err := r.Submit(context.Background(), RunRequest{Plan: planOf(core.ParallelismSafe, n)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(got) != 1 || got[0] != "https://ok.example.com/a" {
		t.Fatalf("blocked url reached the tool: %v", got)
	}
	if len(anyStrings(n.Params["urls"])) != 2 {
		t.Fatalf("plan params must not be mutated")
	}
}

func TestStartHandle(t *testing.T) {
	sessions := runstore.NewMemoryStore()
	r := New(WithTools(tools.NewRegistry(echo("echo"))), WithSessionStore(sessions), WithEnv(testEnv(0)))
	h, err := r.Start(context.Background(), RunRequest{ConversationID: "conv_1", Plan: planOf(core.ParallelismSafe, node("a", "echo"), node("b", "echo", "a"))})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.RunID == "" {
		t.Fatalf("handle has no run id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil || res.Status != core.ResultSuccess {
		t.Fatalf("wait: %+v %v", res, err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("done should be closed after wait")
	}
	if h.Status() != core.RunCompleted {
		t.Fatalf("handle status = %s", h.Status())
	}
	list, _ := sessions.Query(context.Background(), runstore.Filter{ConversationID: "conv_1"}, 0)
	if len(list) != 1 || list[0].Status != core.RunCompleted {
		t.Fatalf("unexpected stored sessions: %+v", list)
	}
}

func TestCancelStopsRun(t *testing.T) {
	blocked := tools.Func{ToolName: "wait", Fn: func(ctx context.Context, req tools.Request) tools.Result {
		<-ctx.Done()
		return tools.Fail("%v", ctx.Err())
	}}
	r := New(WithTools(tools.NewRegistry(blocked)), WithEnv(testEnv(3)))
	h, err := r.Start(context.Background(), RunRequest{Plan: planOf(core.ParallelismSafe, node("a", "wait"))})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != core.ResultFailed || res.Nodes[0].Attempts > 1 {
		t.Fatalf("cancelled run should stop retrying: %+v", res.Nodes)
	}
}

func TestNoToolsRejected(t *testing.T) {
	if _, err := New().Submit(context.Background(), RunRequest{}); !errors.Is(err, ErrNoTools) {
		t.Fatalf("expected ErrNoTools, got %v", err)
	}
}

func TestEnvConfig(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Factor: 3}
	if b.Delay(0) != 100*time.Millisecond || b.Delay(2) != 900*time.Millisecond {
		t.Fatalf("unexpected delays %v %v", b.Delay(0), b.Delay(2))
	}
	env := EnvConfig{Parallelism: map[string]int{"safe": 3}}.Normalize()
	if env.Ceiling(core.ParallelismSafe) != 3 || env.Ceiling(core.ParallelismAggressive) != 4 || env.Ceiling("bogus") != 1 {
		t.Fatalf("unexpected ceilings: %v", env.Parallelism)
	}
	if env.NodeTimeout != 60*time.Second {
		t.Fatalf("node timeout default = %v", env.NodeTimeout)
	}
}
