package dag

import (
	"errors"
	"testing"

	"github.com/maxdp/dataplane/cmd/dataplane/flow"
	"github.com/maxdp/dataplane/cmd/dataplane/flowerr"
)

func mkNodes(ids ...string) []flow.Node {
	nodes := make([]flow.Node, len(ids))
	for i, id := range ids {
		nodes[i] = flow.Node{ID: id, Type: "static_data"}
	}
	return nodes
}

func mkEdges(pairs ...[2]string) []flow.Edge {
	edges := make([]flow.Edge, len(pairs))
	for i, p := range pairs {
		edges[i] = flow.Edge{Source: p[0], Target: p[1]}
	}
	return edges
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

// TestSort_Linear verifies a simple chain comes out in edge order
func TestSort_Linear(t *testing.T) {
	plan, err := Sort(mkNodes("A", "B", "C"), mkEdges([2]string{"A", "B"}, [2]string{"B", "C"}))
	if err != nil {
		t.Fatalf("Sort failed: %v", err)
	}
	want := []string{"A", "B", "C"}
	for i, id := range want {
		if plan.Order[i] != id {
			t.Errorf("Order[%d]: expected %s, got %s", i, id, plan.Order[i])
		}
	}
	if len(plan.Levels) != 3 {
		t.Errorf("Expected 3 levels, got %d", len(plan.Levels))
	}
}

// TestSort_EveryEdgeRespectsOrder checks the core topological invariant:
// for every edge (u,v), u appears before v.
func TestSort_EveryEdgeRespectsOrder(t *testing.T) {
	nodes := mkNodes("a", "b", "c", "d", "e", "f")
	edges := mkEdges(
		[2]string{"a", "c"}, [2]string{"b", "c"}, [2]string{"c", "d"},
		[2]string{"c", "e"}, [2]string{"d", "f"}, [2]string{"e", "f"},
	)

	plan, err := Sort(nodes, edges)
	if err != nil {
		t.Fatalf("Sort failed: %v", err)
	}
	if len(plan.Order) != len(nodes) {
		t.Fatalf("Expected %d nodes in order, got %d", len(nodes), len(plan.Order))
	}
	for _, e := range edges {
		if indexOf(plan.Order, e.Source) >= indexOf(plan.Order, e.Target) {
			t.Errorf("Edge %s->%s violated: %v", e.Source, e.Target, plan.Order)
		}
	}
}

// TestSort_DeterministicTieBreak verifies siblings come out in declaration order
func TestSort_DeterministicTieBreak(t *testing.T) {
	nodes := mkNodes("root", "z", "m", "a")
	edges := mkEdges([2]string{"root", "z"}, [2]string{"root", "m"}, [2]string{"root", "a"})

	for i := 0; i < 10; i++ {
		plan, err := Sort(nodes, edges)
		if err != nil {
			t.Fatalf("Sort failed: %v", err)
		}
		want := []string{"root", "z", "m", "a"}
		for j, id := range want {
			if plan.Order[j] != id {
				t.Fatalf("Run %d: expected order %v, got %v", i, want, plan.Order)
			}
		}
	}
}

// TestSort_CycleDetected verifies a full cycle fails with the concrete path
func TestSort_CycleDetected(t *testing.T) {
	_, err := Sort(mkNodes("A", "B", "C"),
		mkEdges([2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "A"}))

	var ce *flowerr.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CycleError, got %v", err)
	}
	if len(ce.Path) != 3 {
		t.Errorf("Expected cycle path with 3 nodes, got %v", ce.Path)
	}
	seen := map[string]bool{}
	for _, id := range ce.Path {
		seen[id] = true
	}
	for _, id := range []string{"A", "B", "C"} {
		if !seen[id] {
			t.Errorf("Cycle path missing node %s: %v", id, ce.Path)
		}
	}
}

// TestSort_PartialCycle verifies a cycle behind a valid prefix is still caught
func TestSort_PartialCycle(t *testing.T) {
	nodes := mkNodes("start", "x", "y")
	edges := mkEdges([2]string{"start", "x"}, [2]string{"x", "y"}, [2]string{"y", "x"})

	_, err := Sort(nodes, edges)
	var ce *flowerr.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CycleError, got %v", err)
	}
	for _, id := range ce.Path {
		if id == "start" {
			t.Errorf("Cycle path should not contain the acyclic prefix: %v", ce.Path)
		}
	}
}

func TestSort_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		nodes []flow.Node
		edges []flow.Edge
	}{
		{"empty graph", nil, nil},
		{"empty node id", []flow.Node{{ID: "", Type: "static_data"}}, nil},
		{"duplicate node id", mkNodes("A", "A"), nil},
		{"dangling source", mkNodes("A"), mkEdges([2]string{"ghost", "A"})},
		{"dangling target", mkNodes("A"), mkEdges([2]string{"A", "ghost"})},
		{"self loop", mkNodes("A"), mkEdges([2]string{"A", "A"})},
		{"duplicate edge", mkNodes("A", "B"), mkEdges([2]string{"A", "B"}, [2]string{"A", "B"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Sort(tt.nodes, tt.edges)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !flowerr.IsValidation(err) {
				t.Errorf("Expected validation error, got %T: %v", err, err)
			}
		})
	}
}

// TestSort_LevelsPartitionOrder verifies Levels flatten exactly to Order
func TestSort_LevelsPartitionOrder(t *testing.T) {
	nodes := mkNodes("a", "b", "c", "d")
	edges := mkEdges([2]string{"a", "c"}, [2]string{"b", "c"}, [2]string{"c", "d"})

	plan, err := Sort(nodes, edges)
	if err != nil {
		t.Fatalf("Sort failed: %v", err)
	}
	var flat []string
	for _, level := range plan.Levels {
		flat = append(flat, level...)
	}
	if len(flat) != len(plan.Order) {
		t.Fatalf("Levels flatten to %d ids, order has %d", len(flat), len(plan.Order))
	}
	for i := range flat {
		if flat[i] != plan.Order[i] {
			t.Errorf("Levels[%d flattened] = %s, Order = %s", i, flat[i], plan.Order[i])
		}
	}
}
