// Package executor runs one compiled flow to completion per request.
// Executors are immutable after construction and safe for concurrent
// invocations; all per-request state is local to Invoke.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/maxdp/dataplane/cmd/dataplane/dag"
	"github.com/maxdp/dataplane/cmd/dataplane/flow"
	"github.com/maxdp/dataplane/cmd/dataplane/flowerr"
	"github.com/maxdp/dataplane/cmd/dataplane/nodes"
	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

// edgeIn is one incoming binding for a node
type edgeIn struct {
	source       string
	sourceHandle string
	targetHandle string
}

// Executor holds the compiled form of one flow: instantiated nodes, edge
// indexes, and the topological plan.
type Executor struct {
	flowID  string
	nodes   map[string]nodes.Node
	types   map[string]string
	configs map[string]map[string]any
	inputs  map[string][]edgeIn
	outputs map[string][]string
	plan    *dag.Plan

	// tryScope maps a node id to the try_catch node protecting it
	tryScope map[string]string
}

// New compiles a flow definition. All validation happens here so that
// dispatch-time Invoke can only fail on node execution.
func New(def *flow.Definition) (*Executor, error) {
	e := &Executor{
		flowID:   def.ID,
		nodes:    make(map[string]nodes.Node),
		types:    make(map[string]string),
		configs:  make(map[string]map[string]any),
		inputs:   make(map[string][]edgeIn),
		outputs:  make(map[string][]string),
		tryScope: make(map[string]string),
	}

	for _, n := range def.Nodes {
		if !nodes.IsKnown(n.Type) {
			return nil, &flowerr.UnknownNodeTypeError{NodeID: n.ID, NodeType: n.Type}
		}
		e.types[n.ID] = n.Type
		e.configs[n.ID] = n.Config
		if nodes.IsUtility(n.Type) {
			continue
		}
		node, err := nodes.New(n.ID, n.Type, n.Config)
		if err != nil {
			return nil, err
		}
		e.nodes[n.ID] = node
	}

	for _, edge := range def.Edges {
		e.inputs[edge.Target] = append(e.inputs[edge.Target], edgeIn{
			source:       edge.Source,
			sourceHandle: edge.SourceHandle,
			targetHandle: edge.TargetHandle,
		})
		e.outputs[edge.Source] = append(e.outputs[edge.Source], edge.Target)
	}

	plan, err := dag.Sort(def.Nodes, def.Edges)
	if err != nil {
		return nil, err
	}
	e.plan = plan

	e.computeProtectionScopes()

	return e, nil
}

// computeProtectionScopes walks forward from every try_catch node, claiming
// transitive successors until the next merge node or a terminus. The first
// try_catch to claim a node wins.
func (e *Executor) computeProtectionScopes() {
	for id, typ := range e.types {
		if typ != nodes.TypeTryCatch {
			continue
		}
		queue := append([]string{}, e.outputs[id]...)
		visited := make(map[string]bool)
		for len(queue) > 0 {
			nid := queue[0]
			queue = queue[1:]
			if visited[nid] {
				continue
			}
			visited[nid] = true
			if e.types[nid] == nodes.TypeMerge {
				continue
			}
			if _, claimed := e.tryScope[nid]; !claimed {
				e.tryScope[nid] = id
			}
			queue = append(queue, e.outputs[nid]...)
		}
	}
}

// FlowID returns the identity of the compiled flow
func (e *Executor) FlowID() string { return e.flowID }

// NodeCount returns the number of executable nodes
func (e *Executor) NodeCount() int { return len(e.nodes) }

// Invoke runs the flow over one request's input. Reentrant: concurrent
// invocations on the same executor never share state.
func (e *Executor) Invoke(ctx context.Context, inputData map[string]any, executionID string, userCtx map[string]any, deps *nodes.Deps) (any, error) {
	state := &nodes.ExecState{
		FlowID:          e.flowID,
		ExecutionID:     executionID,
		UserContext:     userCtx,
		GlobalVariables: e.seedGlobals(inputData),
		Deps:            deps,
	}

	log := state.Log().WithExecutionID(executionID)

	nodeOutputs := make(map[string]any, len(e.plan.Order))
	suppressed := make(map[string]bool)
	// branchData holds the table that entered each conditional_branch; the
	// branch's recorded output is its verdict, but downstream nodes on the
	// surviving handle receive the data, not the bool.
	branchData := make(map[string]*table.Table)

	for _, nid := range e.plan.Order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		typ := e.types[nid]
		if nodes.IsUtility(typ) {
			continue
		}

		in, live := e.collectInputs(nid, nodeOutputs, suppressed, branchData)
		if !live {
			suppressed[nid] = true
			nodeOutputs[nid] = nil
			log.WithNodeID(nid).Debug("node suppressed by branch")
			continue
		}
		for k, v := range state.GlobalVariables {
			in.SetIfAbsent(k, v)
		}
		if typ == nodes.TypeConditionalBranch {
			if t, err := in.FirstTable(); err == nil {
				branchData[nid] = t
			}
		}

		start := time.Now()
		out, err := e.nodes[nid].Invoke(ctx, in, state)
		elapsed := time.Since(start)

		if err != nil {
			tcID, protected := e.tryScope[nid]
			if !protected {
				return nil, flowerr.WrapNode(nid, typ, err)
			}
			fallback, fbErr := e.fallbackFor(tcID, nodeOutputs)
			if fbErr != nil {
				return nil, flowerr.WrapNode(nid, typ, fmt.Errorf("%v (fallback failed: %w)", err, fbErr))
			}
			log.WithNodeID(nid).Warn("node failed inside protection scope, substituting fallback",
				"error", err.Error(), "try_catch", tcID)
			out = fallback
		}

		nodeOutputs[nid] = out
		log.WithNodeID(nid).Debug("node finished", "type", typ, "duration_ms", elapsed.Milliseconds())
	}

	return e.finalResult(nodeOutputs, suppressed), nil
}

// seedGlobals builds the execution's global variable map: request input
// first, utility node configs filling the gaps.
func (e *Executor) seedGlobals(inputData map[string]any) map[string]any {
	globals := make(map[string]any, len(inputData))
	for k, v := range inputData {
		globals[k] = v
	}
	for _, nid := range e.plan.Order {
		cfg := e.configs[nid]
		switch e.types[nid] {
		case nodes.TypeFlowParameter:
			name, _ := cfg["parameter_name"].(string)
			if name == "" {
				continue
			}
			if _, exists := globals[name]; !exists {
				if v, ok := cfg["value"]; ok {
					globals[name] = v
				} else if v, ok := cfg["default_value"]; ok {
					globals[name] = v
				}
			}
		case nodes.TypeSetGetVariable:
			name, _ := cfg["variable_name"].(string)
			if name == "" {
				continue
			}
			if _, exists := globals[name]; !exists {
				globals[name] = cfg["variable_value"]
			}
		}
	}
	return globals
}

// collectInputs binds upstream outputs to handles. Returns live=false when
// the node has incoming edges but every one of them is dead: either its
// source was suppressed, or it hangs off a conditional_branch whose verdict
// disagrees with the edge's handle.
func (e *Executor) collectInputs(nid string, nodeOutputs map[string]any, suppressed map[string]bool, branchData map[string]*table.Table) (*nodes.Inputs, bool) {
	in := nodes.NewInputs()
	edges := e.inputs[nid]
	if len(edges) == 0 {
		return in, true
	}

	liveCount := 0
	for _, edge := range edges {
		if suppressed[edge.source] {
			continue
		}

		value := nodeOutputs[edge.source]
		if e.types[edge.source] == nodes.TypeConditionalBranch {
			verdict, ok := nodeOutputs[edge.source].(bool)
			if ok && branchDisagrees(edge.sourceHandle, verdict) {
				continue
			}
			// The surviving handle carries the data that entered the branch
			if t, ok := branchData[edge.source]; ok {
				value = t
			}
		}
		liveCount++

		key := edge.sourceHandle
		if key == "" {
			key = edge.targetHandle
		}
		if key == "" {
			key = edge.source
		}
		in.Set(key, value)
	}

	return in, liveCount > 0
}

// branchDisagrees reports whether an edge labeled true/false contradicts
// the branch verdict. Unlabeled edges always pass.
func branchDisagrees(sourceHandle string, verdict bool) bool {
	switch sourceHandle {
	case "true":
		return !verdict
	case "false":
		return verdict
	default:
		return false
	}
}

// fallbackFor computes the substitute table for a failure inside the given
// try_catch node's scope, using the table that entered the try_catch.
func (e *Executor) fallbackFor(tcID string, nodeOutputs map[string]any) (*table.Table, error) {
	tc, ok := e.nodes[tcID].(*nodes.TryCatch)
	if !ok {
		return nil, fmt.Errorf("node %s is not a try_catch", tcID)
	}
	input, _ := nodeOutputs[tcID].(*table.Table)
	return tc.Fallback(input)
}

// finalResult picks the invocation's return value: the single live
// terminal's output; with several, the last display_results if any, else a
// map of terminal id to value. Suppressed branches never win.
func (e *Executor) finalResult(nodeOutputs map[string]any, suppressed map[string]bool) any {
	var terminals []string
	var lastDisplay string
	var lastExecuted string

	for _, nid := range e.plan.Order {
		if nodes.IsUtility(e.types[nid]) || suppressed[nid] {
			continue
		}
		lastExecuted = nid
		if e.types[nid] == nodes.TypeDisplayResults {
			lastDisplay = nid
		}
		if len(e.outputs[nid]) == 0 {
			terminals = append(terminals, nid)
		}
	}

	switch {
	case len(terminals) == 1:
		return nodeOutputs[terminals[0]]
	case len(terminals) > 1:
		if lastDisplay != "" {
			return nodeOutputs[lastDisplay]
		}
		result := make(map[string]any, len(terminals))
		for _, nid := range terminals {
			result[nid] = nodeOutputs[nid]
		}
		return result
	default:
		return nodeOutputs[lastExecuted]
	}
}
