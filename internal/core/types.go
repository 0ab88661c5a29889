package core

import (
	"errors"
	"fmt"
	"time"
)

// TaskType classifies a request and selects the routing pattern used by the planner.
type TaskType string

const (
	TaskResearch      TaskType = "research"
	TaskAnalysis      TaskType = "analysis"
	TaskGeneration    TaskType = "generation"
	TaskVisualization TaskType = "visualization"
	TaskComparison    TaskType = "comparison"
	TaskMonitoring    TaskType = "monitoring"
	TaskMixed         TaskType = "mixed"
)

// Valid reports whether the task type is one of the known routing categories.
func (t TaskType) Valid() bool {
	switch t {
	case TaskResearch, TaskAnalysis, TaskGeneration, TaskVisualization, TaskComparison, TaskMonitoring, TaskMixed:
		return true
	}
	return false
}

// PrivacyLevel describes how widely a deliverable may be shared.
type PrivacyLevel string

const (
	PrivacyPublic       PrivacyLevel = "public"
	PrivacyInternal     PrivacyLevel = "internal"
	PrivacyConfidential PrivacyLevel = "confidential"
)

// Parallelism is the declared concurrency policy of a plan.
type Parallelism string

const (
	ParallelismSequential Parallelism = "sequential"
	ParallelismSafe       Parallelism = "safe"
	ParallelismAggressive Parallelism = "aggressive"
)

// JobSpec is the structured job contract produced by requirement gathering.
// It is never mutated after creation.
type JobSpec struct {
	TaskID             string        `json:"task_id"`
	Intent             string        `json:"intent"` // original user text
	Goal               string        `json:"goal"`
	TaskType           TaskType      `json:"task_type"`
	Deliverables       []Deliverable `json:"deliverables"`
	Inputs             JobInputs     `json:"inputs"`
	Constraints        Constraints   `json:"constraints"`
	AcceptanceCriteria []string      `json:"acceptance_criteria"`
	Notes              string        `json:"notes,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Deliverable declares one requested output.
type Deliverable struct {
	Type    string   `json:"type"`   // report, table, dataset
	Format  string   `json:"format"` // md, csv, json
	Outline []string `json:"outline,omitempty"`
}

// JobInputs carries user supplied seeds.
type JobInputs struct {
	SeedQueries  []string `json:"seed_queries,omitempty"`
	SeedURLs     []string `json:"seed_urls,omitempty"`
	SeedDatasets []string `json:"seed_datasets,omitempty"`
}

// Constraints bound how the job may be executed.
type Constraints struct {
	TimeRange    string       `json:"time_range,omitempty"`
	Languages    []string     `json:"languages,omitempty"`
	AllowDomains []string     `json:"allow_domains,omitempty"`
	BlockDomains []string     `json:"block_domains,omitempty"`
	Privacy      PrivacyLevel `json:"privacy"`
	TokenBudget  int64        `json:"token_budget,omitempty"`
	DeadlineHint *string      `json:"deadline_hint"` // ISO-8601 duration or null
}

// PlanSpec is the compiled execution graph for a JobSpec.
type PlanSpec struct {
	TaskID              string               `json:"task_id"`
	PlanID              string               `json:"plan_id"`
	Summary             string               `json:"summary"`
	Graph               PlanGraph            `json:"graph"`
	Parallelism         Parallelism          `json:"parallelism"`
	PolicyCheck         PolicyCheck          `json:"policy_check"`
	Coverage            []Coverage           `json:"coverage"`
	CoverageGaps        []string             `json:"coverage_gaps"`
	DeliverableBindings []DeliverableBinding `json:"deliverable_bindings"`
	Assumptions         []string             `json:"assumptions"`
	OpenIssues          []string             `json:"open_issues"`
	CreatedAt           time.Time            `json:"created_at"`
}

// PlanGraph holds the nodes and edges of a plan.
type PlanGraph struct {
	Nodes []PlanNode `json:"nodes"`
	Edges []PlanEdge `json:"edges"`
}

// Node returns the node with the given id.
func (g PlanGraph) Node(id string) (PlanNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return PlanNode{}, false
}

// PlanNode is a single step bound to a skill.
type PlanNode struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Purpose       string         `json:"purpose"`
	Skill         string         `json:"skill"`
	Params        map[string]any `json:"params,omitempty"`
	Inputs        []NodeInput    `json:"inputs"`
	Outputs       []NodeOutput   `json:"outputs"`
	Preconditions []string       `json:"preconditions,omitempty"`
	Fallbacks     []string       `json:"fallbacks,omitempty"`
	Estimates     Estimates      `json:"estimates"`
	RiskNotes     []string       `json:"risk_notes,omitempty"`
}

// NodeInput declares a dependency on another node's output contract.
// A nil Source means the initial job input.
type NodeInput struct {
	Source   *string `json:"source"`
	Contract string  `json:"contract"`
}

// NodeOutput declares an output contract and the artifact type it is stored as.
type NodeOutput struct {
	Contract     string       `json:"contract"`
	ArtifactType ArtifactType `json:"artifact_type"`
}

// Estimates are static per-skill forecasts.
type Estimates struct {
	P50LatencyMS int64  `json:"p50_latency_ms"`
	Tokens       int64  `json:"tokens"`
	CostHint     string `json:"cost_hint"` // low, mid, high
}

// PlanEdge is a data dependency between two nodes.
type PlanEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Rationale string `json:"rationale"`
}

// PolicyCheck records compile-time policy evaluation.
type PolicyCheck struct {
	AllowedDomains []string     `json:"allowed_domains"`
	BlockedDomains []string     `json:"blocked_domains"`
	Privacy        PrivacyLevel `json:"privacy"`
	Violations     []string     `json:"violations"`
}

// Coverage maps one acceptance criterion to the nodes satisfying it.
type Coverage struct {
	Criterion string   `json:"criterion"`
	NodeIDs   []string `json:"node_ids"`
}

// DeliverableBinding names the node that produces a deliverable.
type DeliverableBinding struct {
	Deliverable Deliverable `json:"deliverable"`
	NodeID      string      `json:"node_id"`
}

// RunStatus is the lifecycle state of a RunnerSession.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// NodeStatus is the persisted outcome of a node.
type NodeStatus string

const (
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
)

// ResultStatus is the overall outcome of a run.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailed  ResultStatus = "failed"
)

// RunnerSession is the execution record of one run of a PlanSpec.
type RunnerSession struct {
	ID             string                `json:"id"`
	RunID          string                `json:"run_id"`
	ConversationID string                `json:"conversation_id,omitempty"`
	OwnerID        string                `json:"owner_id,omitempty"`
	Status         RunStatus             `json:"status"`
	Job            JobSpec               `json:"job"`
	Plan           PlanSpec              `json:"plan"`
	NodeArtifacts  map[string][]string   `json:"node_artifacts"`
	NodeResults    map[string]NodeResult `json:"node_results"`
	Events         []Event               `json:"events"`
	CreatedAt      time.Time             `json:"created_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	Result         *RunnerResult         `json:"result,omitempty"`
}

// ErrTerminalSession is returned when a finished session would be reopened.
var ErrTerminalSession = errors.New("session is terminal")

// ErrInvalidTransition is returned for status moves outside the session lifecycle.
var ErrInvalidTransition = errors.New("invalid session transition")

// Transition moves the session along queued -> running -> completed|failed, or straight
// from queued to failed. Terminal sessions never change status.
func (s *RunnerSession) Transition(to RunStatus, at time.Time) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalSession, s.Status, to)
	}
	ok := false
	switch s.Status {
	case RunQueued:
		ok = to == RunRunning || to == RunFailed
	case RunRunning:
		ok = to == RunCompleted || to == RunFailed
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	switch to {
	case RunRunning:
		s.StartedAt = &at
	case RunCompleted, RunFailed:
		s.CompletedAt = &at
	}
	s.Status = to
	return nil
}

// NodeResult is the outcome of one node within a run.
type NodeResult struct {
	NodeID     string     `json:"node_id"`
	Skill      string     `json:"skill"`
	Status     NodeStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	InputRefs  []string   `json:"input_refs,omitempty"`
	OutputRefs []string   `json:"output_refs,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    time.Time  `json:"ended_at"`
	DurationMS int64      `json:"duration_ms"`
}

// EventType names a run or node state transition.
type EventType string

const (
	EventRunStarted    EventType = "RUN_STARTED"
	EventNodeStarted   EventType = "NODE_STARTED"
	EventNodeRetry     EventType = "NODE_RETRY"
	EventNodeCompleted EventType = "NODE_COMPLETED"
	EventNodeFailed    EventType = "NODE_FAILED"
	EventRunCompleted  EventType = "RUN_COMPLETED"
)

// Event is an entry of the append-only run log.
type Event struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"run_id"`
	NodeID  string    `json:"node_id,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// RunnerResult is the final outcome handed back to the conversation layer.
type RunnerResult struct {
	RunID        string             `json:"run_id"`
	Status       ResultStatus       `json:"status"`
	Summary      ResultSummary      `json:"summary"`
	Deliverables []BoundDeliverable `json:"deliverables"`
	Nodes        []NodeResult       `json:"nodes"`
	Acceptance   []AcceptanceResult `json:"acceptance"`
	Provenance   []ProvenanceEntry  `json:"provenance"`
	ExecutionMS  int64              `json:"execution_ms"`
	CreatedAt    time.Time          `json:"created_at"`
}

// ResultSummary is the narrative part of a result.
type ResultSummary struct {
	Highlights  []string `json:"highlights"`
	Caveats     []string `json:"caveats"`
	NextActions []string `json:"next_actions"`
}

// BoundDeliverable links a declared deliverable to the artifact that fulfils it.
type BoundDeliverable struct {
	Type        string `json:"type"`
	Format      string `json:"format"`
	ArtifactID  string `json:"artifact_id"`
	NodeID      string `json:"node_id"`
	Description string `json:"description"`
}

// AcceptanceResult is the outcome of checking one acceptance criterion.
type AcceptanceResult struct {
	Criterion string `json:"criterion"`
	Passed    bool   `json:"passed"`
	Detail    string `json:"detail,omitempty"`
}

// ProvenanceEntry records where an artifact came from.
type ProvenanceEntry struct {
	ArtifactID string   `json:"artifact_id"`
	NodeID     string   `json:"node_id"`
	Skill      string   `json:"skill"`
	Inputs     []string `json:"inputs,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}
