package planner

import (
	"errors"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

func graphPlan(nodes []string, edges [][2]string) core.PlanSpec {
	var plan core.PlanSpec
	for _, id := range nodes {
		plan.Graph.Nodes = append(plan.Graph.Nodes, core.PlanNode{ID: id, Skill: "web_search"})
	}
	for _, e := range edges {
		plan.Graph.Edges = append(plan.Graph.Edges, core.PlanEdge{From: e[0], To: e[1]})
	}
	return plan
}

func TestLayersComputesWaves(t *testing.T) {
	plan := graphPlan([]string{"t1", "t2", "t3", "t4"}, [][2]string{{"t1", "t2"}, {"t1", "t3"}, {"t2", "t4"}, {"t3", "t4"}})
	layers, err := Layers(plan)
	if err != nil {
		t.Fatalf("layers: %v", err)
	}
	want := [][]string{{"t1"}, {"t2", "t3"}, {"t4"}}
	if len(layers) != len(want) {
		t.Fatalf("expected %d layers, got %v", len(want), layers)
	}
	for i := range want {
		if strings.Join(layers[i], ",") != strings.Join(want[i], ",") {
			t.Fatalf("layer %d = %v, want %v", i, layers[i], want[i])
		}
	}
	order, _ := TopoOrder(plan)
	if strings.Join(order, ",") != "t1,t2,t3,t4" {
		t.Fatalf("order = %v", order)
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	err := Validate(graphPlan([]string{"t1", "t1"}, nil))
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 || !strings.Contains(verrs[0].Message, "duplicate node id") {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsUnknownEndpoints(t *testing.T) {
	plan := graphPlan([]string{"t1"}, [][2]string{{"t-missing", "t1"}})
	src := "ghost"
	plan.Graph.Nodes[0].Inputs = []core.NodeInput{{Source: &src, Contract: "x"}}
	err := Validate(plan)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) != 2 {
		t.Fatalf("expected two problems, got %v", err)
	}
}

func TestValidateRejectsCycles(t *testing.T) {
	err := Validate(graphPlan([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "b"}}))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if !strings.Contains(err.Error(), "b, c") {
		t.Fatalf("cycle members missing: %v", err)
	}
}

func TestValidateRejectsSelfLoop(t *testing.T) {
	err := Validate(graphPlan([]string{"a"}, [][2]string{{"a", "a"}}))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("self loop must report a cycle, got %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || !strings.Contains(verrs[0].Message, "self loop on a") {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
