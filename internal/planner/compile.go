package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
)

var (
	ErrSkillUnavailable = errors.New("skill not registered")
	ErrEmptyPattern     = errors.New("routing pattern is empty")
)

type compiler struct {
	patterns map[core.TaskType][]string
	generic  []string
	policy   policy.DomainPolicy
	clock    func() time.Time
}

// Option customises Compile.
type Option func(*compiler)

// WithClock sets CreatedAt of compiled plans. By default the JobSpec's CreatedAt is used.
func WithClock(now func() time.Time) Option {
	return func(c *compiler) { c.clock = now }
}

// WithPolicy sets the environment domain policy the job's own lists are merged into.
func WithPolicy(p policy.DomainPolicy) Option {
	return func(c *compiler) { c.policy = p }
}

// WithPattern overrides the routing pattern of one task type.
func WithPattern(t core.TaskType, skills ...string) Option {
	return func(c *compiler) { c.patterns[t] = append([]string(nil), skills...) }
}

// Compile turns a JobSpec into an executable PlanSpec. It is deterministic: the same
// job and registry always yield the same graph and PlanID.
func Compile(job core.JobSpec, reg *capability.Registry, opts ...Option) (core.PlanSpec, error) {
	c := &compiler{patterns: DefaultPatterns(), generic: genericPattern}
	for _, o := range opts {
		o(c)
	}

	pattern, ok := c.patterns[job.TaskType]
	if !ok {
		pattern = c.generic
	}
	if len(pattern) == 0 {
		return core.PlanSpec{}, fmt.Errorf("%w: %s", ErrEmptyPattern, job.TaskType)
	}

	query := queryFor(job)
	nodes := make([]core.PlanNode, 0, len(pattern))
	cards := make([]capability.SkillCard, 0, len(pattern))
	for i, skill := range pattern {
		card, ok := reg.Skill(skill)
		if !ok {
			return core.PlanSpec{}, fmt.Errorf("%w: %s", ErrSkillUnavailable, skill)
		}
		cards = append(cards, card)
		text := textFor(skill)
		node := core.PlanNode{
			ID:            fmt.Sprintf("n%d_%s", i+1, skill),
			Title:         text.title,
			Purpose:       text.purpose,
			Skill:         skill,
			Params:        paramsFor(skill, job, query, i == 0),
			Outputs:       []core.NodeOutput{card.Output},
			Preconditions: append([]string(nil), card.Preconditions...),
			Fallbacks:     append([]string(nil), card.Fallbacks...),
			Estimates: core.Estimates{
				P50LatencyMS: card.P50LatencyMS,
				Tokens:       card.Tokens,
				CostHint:     card.CostHint,
			},
			RiskNotes: append([]string(nil), card.RiskNotes...),
		}
		if i == 0 {
			node.Inputs = []core.NodeInput{{Source: nil, Contract: core.ContractJobInput}}
		} else {
			prev := nodes[i-1]
			src := prev.ID
			node.Inputs = []core.NodeInput{{Source: &src, Contract: cards[i-1].Output.Contract}}
		}
		nodes = append(nodes, node)
	}

	edges := make([]core.PlanEdge, 0, len(nodes))
	hasEdge := map[[2]string]bool{}
	addEdge := func(from, to core.PlanNode) {
		key := [2]string{from.ID, to.ID}
		if hasEdge[key] {
			return
		}
		hasEdge[key] = true
		edges = append(edges, core.PlanEdge{
			From:      from.ID,
			To:        to.ID,
			Rationale: fmt.Sprintf("%s output feeds %s", from.Skill, to.Skill),
		})
	}
	for i := 1; i < len(nodes); i++ {
		addEdge(nodes[i-1], nodes[i])
	}
	// The default patterns never put a fetch two steps after search; this edge only
	// appears for custom patterns registered with WithPattern.
	if len(nodes) > 2 && nodes[0].Skill == capability.SkillWebSearch && acceptsSearch[nodes[2].Skill] {
		src := nodes[0].ID
		nodes[2].Inputs = append(nodes[2].Inputs, core.NodeInput{Source: &src, Contract: core.ContractSearchResults})
		addEdge(nodes[0], nodes[2])
	}

	coverage, gaps := computeCoverage(job.AcceptanceCriteria, nodes)

	terminal := nodes[len(nodes)-1].ID
	for _, n := range nodes {
		if n.Skill == capability.SkillSynthesizeReport {
			terminal = n.ID
		}
	}
	deliverables := job.Deliverables
	if len(deliverables) == 0 {
		deliverables = []core.Deliverable{primaryDeliverable(job)}
	}
	bindings := make([]core.DeliverableBinding, 0, len(deliverables))
	for _, d := range deliverables {
		bindings = append(bindings, core.DeliverableBinding{Deliverable: d, NodeID: terminal})
	}

	var network []string
	for _, card := range cards {
		if card.Network {
			network = append(network, card.Name)
		}
	}
	check := policy.Evaluate(c.policy, job, network)
	check.AllowedDomains = nonNil(check.AllowedDomains)
	check.BlockedDomains = nonNil(check.BlockedDomains)
	check.Violations = nonNil(check.Violations)

	assumptions, issues := selfDescribe(job, pattern, gaps, check)

	createdAt := job.CreatedAt
	if c.clock != nil {
		createdAt = c.clock()
	}

	plan := core.PlanSpec{
		TaskID:              job.TaskID,
		Summary:             summarize(job, query, pattern),
		Graph:               core.PlanGraph{Nodes: nodes, Edges: edges},
		Parallelism:         parallelismFor(job),
		PolicyCheck:         check,
		Coverage:            coverage,
		CoverageGaps:        gaps,
		DeliverableBindings: bindings,
		Assumptions:         assumptions,
		OpenIssues:          issues,
		CreatedAt:           createdAt,
	}
	id, err := PlanID(plan)
	if err != nil {
		return core.PlanSpec{}, err
	}
	plan.PlanID = id
	return plan, nil
}

// PlanID is a digest of the compiled content. CreatedAt and the id itself are excluded,
// so recompiling an unchanged job yields the same id.
func PlanID(plan core.PlanSpec) (string, error) {
	plan.PlanID = ""
	plan.CreatedAt = time.Time{}
	data, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("digest plan: %w", err)
	}
	sum := sha256.Sum256(data)
	return "plan_" + hex.EncodeToString(sum[:8]), nil
}

func parallelismFor(job core.JobSpec) core.Parallelism {
	switch {
	case job.Constraints.Privacy == core.PrivacyConfidential:
		return core.ParallelismSequential
	case job.TaskType == core.TaskMonitoring:
		return core.ParallelismAggressive
	default:
		return core.ParallelismSafe
	}
}

func summarize(job core.JobSpec, query string, pattern []string) string {
	t := job.TaskType
	if t == "" {
		t = core.TaskMixed
	}
	return fmt.Sprintf("%s plan for %q: %s", t, query, strings.Join(pattern, " -> "))
}

func selfDescribe(job core.JobSpec, pattern []string, gaps []string, check core.PolicyCheck) ([]string, []string) {
	assumptions := []string{}
	issues := []string{}
	searches := len(pattern) > 0 && pattern[0] == capability.SkillWebSearch

	if strings.TrimSpace(job.Constraints.TimeRange) == "" {
		assumptions = append(assumptions, "No time range given; sources of any date are accepted")
	}
	if len(job.Inputs.SeedURLs) == 0 {
		if searches {
			assumptions = append(assumptions, "No seed URLs given; sources come from web search")
		} else {
			issues = append(issues, "No seed URLs given and the plan does not search; there is nothing to fetch")
		}
	}
	if job.Constraints.DeadlineHint == nil {
		assumptions = append(assumptions, "No deadline given; default node timeouts apply")
	}
	if len(job.Constraints.Languages) == 0 {
		assumptions = append(assumptions, "No language given; the deliverable follows the language of the request")
	}
	if !job.TaskType.Valid() {
		assumptions = append(assumptions, fmt.Sprintf("Unknown task type %q; the generic pattern is used", job.TaskType))
	}
	for _, g := range gaps {
		if strings.TrimSpace(g) == "" {
			issues = append(issues, "An acceptance criterion is blank and cannot be checked")
			continue
		}
		issues = append(issues, "Acceptance criterion not covered by any step: "+g)
	}
	for _, v := range check.Violations {
		issues = append(issues, "Policy: "+v)
	}
	return assumptions, issues
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
