package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// ErrCycle marks a plan graph that is not acyclic.
var ErrCycle = errors.New("plan graph contains a cycle")

// ValidationError describes one structural problem of a plan.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return e.Err }

// ValidationErrors aggregates every problem found in a plan.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() []error {
	errs := make([]error, 0, len(v))
	for _, e := range v {
		if e.Err != nil {
			errs = append(errs, e.Err)
		}
	}
	return errs
}

// Validate checks the structure of a plan: unique node ids, bound skills, known edge
// endpoints and input sources, and an acyclic graph.
func Validate(plan core.PlanSpec) error {
	var errs ValidationErrors
	ids := map[string]bool{}
	for i, n := range plan.Graph.Nodes {
		field := fmt.Sprintf("graph.nodes[%d]", i)
		switch {
		case strings.TrimSpace(n.ID) == "":
			errs = append(errs, ValidationError{Field: field, Message: "node id required"})
			continue
		case ids[n.ID]:
			errs = append(errs, ValidationError{Field: field, Message: "duplicate node id " + n.ID})
			continue
		}
		ids[n.ID] = true
		if strings.TrimSpace(n.Skill) == "" {
			errs = append(errs, ValidationError{Field: field, Message: "node " + n.ID + " has no skill"})
		}
	}
	for i, e := range plan.Graph.Edges {
		field := fmt.Sprintf("graph.edges[%d]", i)
		if !ids[e.From] {
			errs = append(errs, ValidationError{Field: field, Message: "unknown edge source " + e.From})
		}
		if !ids[e.To] {
			errs = append(errs, ValidationError{Field: field, Message: "unknown edge target " + e.To})
		}
		if e.From == e.To {
			errs = append(errs, ValidationError{Field: field, Message: "self loop on " + e.From, Err: ErrCycle})
		}
	}
	for _, n := range plan.Graph.Nodes {
		for _, in := range n.Inputs {
			if in.Source != nil && !ids[*in.Source] {
				errs = append(errs, ValidationError{Field: "node " + n.ID, Message: "unknown input source " + *in.Source})
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	if _, err := TopoOrder(plan); err != nil {
		return err
	}
	return nil
}

// Dependencies returns, per node id, the ids it must wait for: edge sources plus input sources.
func Dependencies(plan core.PlanSpec) map[string][]string {
	deps := make(map[string][]string, len(plan.Graph.Nodes))
	add := func(to, from string) {
		for _, d := range deps[to] {
			if d == from {
				return
			}
		}
		deps[to] = append(deps[to], from)
	}
	for _, n := range plan.Graph.Nodes {
		deps[n.ID] = nil
	}
	for _, e := range plan.Graph.Edges {
		add(e.To, e.From)
	}
	for _, n := range plan.Graph.Nodes {
		for _, in := range n.Inputs {
			if in.Source != nil {
				add(n.ID, *in.Source)
			}
		}
	}
	return deps
}

// TopoOrder returns node ids in a dependency-respecting order. Ties keep plan order.
func TopoOrder(plan core.PlanSpec) ([]string, error) {
	layers, err := Layers(plan)
	if err != nil {
		return nil, err
	}
	var order []string
	for _, l := range layers {
		order = append(order, l...)
	}
	return order, nil
}

// Layers groups nodes into waves; every node's dependencies sit in earlier waves.
func Layers(plan core.PlanSpec) ([][]string, error) {
	deps := Dependencies(plan)
	remaining := map[string]int{}
	dependents := map[string][]string{}
	for _, n := range plan.Graph.Nodes {
		remaining[n.ID] = len(deps[n.ID])
		for _, d := range deps[n.ID] {
			dependents[d] = append(dependents[d], n.ID)
		}
	}
	done := 0
	var layers [][]string
	var current []string
	for _, n := range plan.Graph.Nodes {
		if remaining[n.ID] == 0 {
			current = append(current, n.ID)
		}
	}
	for len(current) > 0 {
		layers = append(layers, current)
		done += len(current)
		ready := map[string]bool{}
		for _, id := range current {
			for _, next := range dependents[id] {
				remaining[next]--
				if remaining[next] == 0 {
					ready[next] = true
				}
			}
		}
		current = nil
		for _, n := range plan.Graph.Nodes {
			if ready[n.ID] {
				current = append(current, n.ID)
			}
		}
	}
	if done != len(plan.Graph.Nodes) {
		var stuck []string
		for _, n := range plan.Graph.Nodes {
			if remaining[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return layers, nil
}
