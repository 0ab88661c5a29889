package runner

import (
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/taskforge/internal/planner"
)

var (
	// ErrStructural marks a plan that cannot be scheduled at all. No node runs.
	ErrStructural = errors.New("structural plan error")
	// ErrCycleDetected indicates the graph contains a cycle.
	ErrCycleDetected = planner.ErrCycle
	// ErrUnknownNode indicates an edge or input referencing a node missing from the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrUnknownSkill indicates a node bound to a skill the registry does not know.
	ErrUnknownSkill = errors.New("unknown skill")
	// ErrNoTools is returned when a runner is built without a tool registry.
	ErrNoTools = errors.New("runner has no tool registry")
)

// NodeError is the final failure of a node after all attempts.
type NodeError struct {
	NodeID   string
	Attempts int
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// errInput is an input-resolution failure. It is retried like a tool error.
type errInput struct {
	source   string
	contract string
	reason   string
}

func (e errInput) Error() string {
	return fmt.Sprintf("input %s from %s unavailable: %s", e.contract, e.source, e.reason)
}
