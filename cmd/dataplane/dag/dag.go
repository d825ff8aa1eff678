// Package dag validates flow graphs and produces their execution order.
package dag

import (
	"fmt"

	"github.com/maxdp/dataplane/cmd/dataplane/flow"
	"github.com/maxdp/dataplane/cmd/dataplane/flowerr"
)

// Plan is the scheduler output: one total topological order plus the
// parallel level cohorts it was derived from. The executor runs `Order`
// sequentially; `Levels` exposes available parallelism for diagnostics.
type Plan struct {
	Order  []string
	Levels [][]string
}

// Sort validates the graph shape and runs Kahn's algorithm. Ties are
// broken by node declaration index, so the order is deterministic for a
// given definition.
func Sort(nodes []flow.Node, edges []flow.Edge) (*Plan, error) {
	if len(nodes) == 0 {
		return nil, flowerr.NewValidation("flow has no nodes")
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return nil, flowerr.NewValidation("node %d has an empty id", i)
		}
		if _, dup := index[n.ID]; dup {
			return nil, flowerr.NewValidation("duplicate node id %q", n.ID)
		}
		index[n.ID] = i
	}

	successors := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	seenEdges := make(map[string]bool, len(edges))
	for _, e := range edges {
		if _, ok := index[e.Source]; !ok {
			return nil, flowerr.NewValidation("edge source %q references no node", e.Source)
		}
		if _, ok := index[e.Target]; !ok {
			return nil, flowerr.NewValidation("edge target %q references no node", e.Target)
		}
		if e.Source == e.Target {
			return nil, flowerr.NewValidation("self-loop on node %q", e.Source)
		}
		key := fmt.Sprintf("%s\x00%s\x00%s\x00%s", e.Source, e.SourceHandle, e.Target, e.TargetHandle)
		if seenEdges[key] {
			return nil, flowerr.NewValidation("duplicate edge %s -> %s", e.Source, e.Target)
		}
		seenEdges[key] = true

		successors[e.Source] = append(successors[e.Source], e.Target)
		inDegree[e.Target]++
	}

	// Seed the frontier with zero in-degree nodes in declaration order
	var frontier []string
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			frontier = append(frontier, n.ID)
		}
	}
	if len(frontier) == 0 {
		// Every node has an incoming edge; the whole graph is cyclic
		return nil, &flowerr.CycleError{Path: findCycle(nodes, successors, nil)}
	}

	plan := &Plan{Order: make([]string, 0, len(nodes))}
	for len(frontier) > 0 {
		// The whole frontier forms one parallel cohort
		level := make([]string, len(frontier))
		copy(level, frontier)
		plan.Levels = append(plan.Levels, level)

		var next []string
		for _, id := range frontier {
			plan.Order = append(plan.Order, id)
			for _, succ := range successors[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		sortByDeclaration(next, index)
		frontier = next
	}

	if len(plan.Order) < len(nodes) {
		// Residual subgraph contains at least one cycle
		placed := make(map[string]bool, len(plan.Order))
		for _, id := range plan.Order {
			placed[id] = true
		}
		return nil, &flowerr.CycleError{Path: findCycle(nodes, successors, placed)}
	}

	return plan, nil
}

func sortByDeclaration(ids []string, index map[string]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && index[ids[j]] < index[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// findCycle walks the residual subgraph with DFS and reconstructs one
// concrete cycle path for the error message.
func findCycle(nodes []flow.Node, successors map[string][]string, placed map[string]bool) []string {
	residual := make(map[string]bool)
	for _, n := range nodes {
		if placed == nil || !placed[n.ID] {
			residual[n.ID] = true
		}
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, succ := range successors[id] {
			if !residual[succ] {
				continue
			}
			if onStack[succ] {
				// Slice the stack from the first occurrence of succ
				for i, sid := range stack {
					if sid == succ {
						cycle = append([]string{}, stack[i:]...)
						return true
					}
				}
			}
			if !visited[succ] && dfs(succ) {
				return true
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return false
	}

	for _, n := range nodes {
		if residual[n.ID] && !visited[n.ID] {
			if dfs(n.ID) {
				return cycle
			}
		}
	}
	return nil
}
