package planner

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
)

func registry(t *testing.T) *capability.Registry {
	t.Helper()
	reg, err := capability.NewRegistry(capability.DefaultSkillCards(), "", nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func researchJob() core.JobSpec {
	return core.JobSpec{
		TaskID:       "task_1",
		Intent:       "research Acme Corp and summarize it",
		Goal:         "Acme Corp",
		TaskType:     core.TaskResearch,
		Deliverables: []core.Deliverable{{Type: "report", Format: "md"}},
		Constraints:  core.Constraints{Privacy: core.PrivacyPublic},
		AcceptanceCriteria: []string{
			"Report cites source URLs for every finding",
			"Report includes a summary of the key findings",
		},
		CreatedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestCompileResearchPattern(t *testing.T) {
	plan, err := Compile(researchJob(), registry(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(plan.Graph.Nodes) != 5 || len(plan.Graph.Edges) != 4 {
		t.Fatalf("expected 5 nodes and 4 edges, got %d/%d", len(plan.Graph.Nodes), len(plan.Graph.Edges))
	}
	wantSkills := []string{"web_search", "fetch_extract", "normalize_dedupe", "structure_findings", "synthesize_report"}
	for i, n := range plan.Graph.Nodes {
		if n.Skill != wantSkills[i] {
			t.Fatalf("node %d skill = %s, want %s", i, n.Skill, wantSkills[i])
		}
	}
	first := plan.Graph.Nodes[0]
	if first.ID != "n1_web_search" || first.Inputs[0].Source != nil || first.Inputs[0].Contract != core.ContractJobInput {
		t.Fatalf("unexpected first node: %+v", first)
	}
	if first.Params["query"] != "Acme Corp" {
		t.Fatalf("query = %v", first.Params["query"])
	}
	fetch := plan.Graph.Nodes[1]
	if fetch.Inputs[0].Source == nil || *fetch.Inputs[0].Source != "n1_web_search" || fetch.Inputs[0].Contract != core.ContractSearchResults {
		t.Fatalf("unexpected fetch inputs: %+v", fetch.Inputs)
	}
	if len(fetch.Fallbacks) != 1 || fetch.Fallbacks[0] != capability.SkillHTTPFetch {
		t.Fatalf("fetch fallbacks = %v", fetch.Fallbacks)
	}
	if got := plan.Graph.Edges[0].Rationale; got != "web_search output feeds fetch_extract" {
		t.Fatalf("rationale = %q", got)
	}
	if len(plan.DeliverableBindings) != 1 || plan.DeliverableBindings[0].NodeID != "n5_synthesize_report" {
		t.Fatalf("bindings = %+v", plan.DeliverableBindings)
	}
	if plan.Parallelism != core.ParallelismSafe {
		t.Fatalf("parallelism = %s", plan.Parallelism)
	}
	if err := Validate(plan); err != nil {
		t.Fatalf("compiled plan invalid: %v", err)
	}
	if !plan.CreatedAt.Equal(researchJob().CreatedAt) {
		t.Fatalf("created at = %v", plan.CreatedAt)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	reg := registry(t)
	a, err := Compile(researchJob(), reg)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, err := Compile(researchJob(), reg, WithClock(func() time.Time { return time.Now() }))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a.PlanID != b.PlanID || !reflect.DeepEqual(a.Graph, b.Graph) {
		t.Fatalf("recompiling changed the plan: %s vs %s", a.PlanID, b.PlanID)
	}

	revised := researchJob()
	revised.Deliverables = []core.Deliverable{{Type: "table", Format: "csv"}}
	c, err := Compile(revised, reg)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if c.PlanID == a.PlanID {
		t.Fatalf("revised job must yield a distinct plan id")
	}
}

func TestCompileInputsPrecedeConsumers(t *testing.T) {
	reg := registry(t)
	for _, tt := range []core.TaskType{core.TaskResearch, core.TaskAnalysis, core.TaskComparison, core.TaskMonitoring, core.TaskGeneration, core.TaskMixed, "unknown"} {
		job := researchJob()
		job.TaskType = tt
		plan, err := Compile(job, reg)
		if err != nil {
			t.Fatalf("%s: compile: %v", tt, err)
		}
		order, err := TopoOrder(plan)
		if err != nil {
			t.Fatalf("%s: %v", tt, err)
		}
		pos := map[string]int{}
		for i, id := range order {
			pos[id] = i
		}
		for _, n := range plan.Graph.Nodes {
			for _, in := range n.Inputs {
				if in.Source != nil && pos[*in.Source] >= pos[n.ID] {
					t.Fatalf("%s: %s consumes %s out of order", tt, n.ID, *in.Source)
				}
			}
		}
	}
}

func TestCompileCoverageAndGaps(t *testing.T) {
	job := researchJob()
	job.AcceptanceCriteria = append(job.AcceptanceCriteria,
		"Duplicate articles are removed",
		"Translate everything into French",
		"Report cites source URLs for every finding",
	)
	plan, err := Compile(job, registry(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(plan.Coverage) != 4 {
		t.Fatalf("expected 4 covered criteria, got %+v", plan.Coverage)
	}
	cited := plan.Coverage[0]
	if !contains(cited.NodeIDs, "n4_structure_findings") || !contains(cited.NodeIDs, "n5_synthesize_report") {
		t.Fatalf("citation criterion not covered by findings and report: %v", cited.NodeIDs)
	}
	if got := plan.Coverage[2].NodeIDs; len(got) != 1 || got[0] != "n3_normalize_dedupe" {
		t.Fatalf("dedupe criterion = %v", got)
	}
	if len(plan.CoverageGaps) != 1 || plan.CoverageGaps[0] != "Translate everything into French" {
		t.Fatalf("gaps = %v", plan.CoverageGaps)
	}
	found := false
	for _, issue := range plan.OpenIssues {
		if strings.Contains(issue, "Translate everything into French") {
			found = true
		}
	}
	if !found {
		t.Fatalf("gap not reported as open issue: %v", plan.OpenIssues)
	}
}

func TestCompileCoverageKeepsEveryCriterion(t *testing.T) {
	job := researchJob()
	job.AcceptanceCriteria = []string{"Report cites source URLs", "   ", "Report cites source URLs"}
	plan, err := Compile(job, registry(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if got := len(plan.Coverage) + len(plan.CoverageGaps); got != len(job.AcceptanceCriteria) {
		t.Fatalf("criteria accounted = %d, want %d: coverage=%+v gaps=%q", got, len(job.AcceptanceCriteria), plan.Coverage, plan.CoverageGaps)
	}
	if len(plan.Coverage) != 2 || plan.Coverage[0].Criterion != "Report cites source URLs" || plan.Coverage[1].Criterion != "Report cites source URLs" {
		t.Fatalf("coverage = %+v", plan.Coverage)
	}
	if len(plan.CoverageGaps) != 1 || plan.CoverageGaps[0] != "   " {
		t.Fatalf("gaps = %q", plan.CoverageGaps)
	}
}

func TestCompileCoverageKeepsOriginalText(t *testing.T) {
	job := researchJob()
	job.AcceptanceCriteria = []string{"  Report cites source URLs  "}
	plan, err := Compile(job, registry(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(plan.Coverage) != 1 || plan.Coverage[0].Criterion != job.AcceptanceCriteria[0] {
		t.Fatalf("coverage = %+v", plan.Coverage)
	}
}

func TestCompileAnalysisFetchesSeeds(t *testing.T) {
	job := researchJob()
	job.TaskType = core.TaskAnalysis
	job.Inputs.SeedURLs = []string{"https://acme.example.com/ir"}
	plan, err := Compile(job, registry(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(plan.Graph.Nodes) != 4 || plan.Graph.Nodes[0].Skill != capability.SkillFetchExtract {
		t.Fatalf("unexpected analysis plan: %+v", plan.Graph.Nodes)
	}
	urls, _ := plan.Graph.Nodes[0].Params["urls"].([]string)
	if len(urls) != 1 {
		t.Fatalf("fetch urls = %v", plan.Graph.Nodes[0].Params["urls"])
	}
}

func TestCompileFanOutEdge(t *testing.T) {
	reg := registry(t)
	job := researchJob()
	plan, err := Compile(job, reg, WithPattern(core.TaskResearch,
		capability.SkillWebSearch, capability.SkillKeywordFindings, capability.SkillFetchExtract, capability.SkillSynthesizeReport))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(plan.Graph.Edges) != 4 {
		t.Fatalf("expected the extra search edge, got %+v", plan.Graph.Edges)
	}
	last := plan.Graph.Edges[3]
	if last.From != "n1_web_search" || last.To != "n3_fetch_extract" {
		t.Fatalf("unexpected fan-out edge: %+v", last)
	}
	if err := Validate(plan); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestCompileDefaultPatternsHaveNoFanOut(t *testing.T) {
	reg := registry(t)
	for _, tt := range []core.TaskType{core.TaskResearch, core.TaskAnalysis, core.TaskGeneration,
		core.TaskVisualization, core.TaskComparison, core.TaskMonitoring, core.TaskMixed} {
		job := researchJob()
		job.TaskType = tt
		job.Inputs.SeedURLs = []string{"https://acme.example.com/ir"}
		plan, err := Compile(job, reg)
		if err != nil {
			t.Fatalf("%s: compile: %v", tt, err)
		}
		if len(plan.Graph.Edges) != len(plan.Graph.Nodes)-1 {
			t.Fatalf("%s: default pattern produced extra edges: %+v", tt, plan.Graph.Edges)
		}
	}
}

func TestCompilePolicyAndParallelism(t *testing.T) {
	job := researchJob()
	job.Constraints.Privacy = core.PrivacyConfidential
	job.Constraints.AllowDomains = []string{"acme.example.com"}
	job.Constraints.BlockDomains = []string{"acme.example.com"}
	plan, err := Compile(job, registry(t), WithPolicy(policy.NewDomainPolicy(nil, []string{"spam.example"})))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if plan.Parallelism != core.ParallelismSequential {
		t.Fatalf("parallelism = %s", plan.Parallelism)
	}
	if len(plan.PolicyCheck.Violations) != 2 {
		t.Fatalf("violations = %v", plan.PolicyCheck.Violations)
	}
	if !contains(plan.PolicyCheck.BlockedDomains, "spam.example") {
		t.Fatalf("environment block list lost: %v", plan.PolicyCheck.BlockedDomains)
	}

	monitoring := researchJob()
	monitoring.TaskType = core.TaskMonitoring
	plan, _ = Compile(monitoring, registry(t))
	if plan.Parallelism != core.ParallelismAggressive {
		t.Fatalf("monitoring parallelism = %s", plan.Parallelism)
	}
}

func TestCompileAssumptions(t *testing.T) {
	plan, err := Compile(researchJob(), registry(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	joined := strings.Join(plan.Assumptions, "\n")
	for _, want := range []string{"time range", "seed URLs", "deadline", "language"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("assumptions missing %q: %v", want, plan.Assumptions)
		}
	}

	job := researchJob()
	job.Constraints.TimeRange = "P30D"
	deadline := "PT1H"
	job.Constraints.DeadlineHint = &deadline
	job.Constraints.Languages = []string{"en"}
	job.Inputs.SeedURLs = []string{"https://acme.example.com"}
	plan, _ = Compile(job, registry(t))
	if len(plan.Assumptions) != 0 {
		t.Fatalf("expected no assumptions, got %v", plan.Assumptions)
	}
	if plan.Graph.Nodes[0].Params["recency_days"] != 30 {
		t.Fatalf("recency_days = %v", plan.Graph.Nodes[0].Params["recency_days"])
	}
}

func TestCompileMissingSkill(t *testing.T) {
	cards := capability.DefaultSkillCards()
	reg, err := capability.NewRegistry(cards[:1], "", []string{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := Compile(researchJob(), reg); !errors.Is(err, ErrSkillUnavailable) {
		t.Fatalf("expected ErrSkillUnavailable, got %v", err)
	}
}

func TestExtractQuery(t *testing.T) {
	cases := map[string]string{
		"research company X and summarize it":  "company X",
		"Please investigate the EV market.":    "the EV market",
		"Acme Corpについて調べてください":               "Acme Corp",
		"競合他社の価格を調査して":                       "競合他社の価格",
		"新製品の評判をまとめてください":                   "新製品の評判",
		"look into quantum networking please": "quantum networking",
	}
	for in, want := range cases {
		if got := ExtractQuery(in); got != want {
			t.Fatalf("ExtractQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecencyDays(t *testing.T) {
	cases := map[string]int{"P30D": 30, "P1Y": 365, "P2W": 14, "past_week": 7, "last 3 months": 90, "": 0, "whenever": 0}
	for in, want := range cases {
		if got := recencyDays(in); got != want {
			t.Fatalf("recencyDays(%q) = %d, want %d", in, got, want)
		}
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
