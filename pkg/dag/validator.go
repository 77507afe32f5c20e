package dag

import (
	"fmt"
	"strings"

	"github.com/dukex/agentflow/pkg/models"
)

const (
	IssueEmptyID            = "empty_id"
	IssueDuplicateNode      = "duplicate_node"
	IssueDuplicateEdge      = "duplicate_edge"
	IssueUnknownNode        = "unknown_node"
	IssueUnknownFlowType    = "unknown_flow_type"
	IssueInvalidHint        = "invalid_execution_hint"
	IssueInvalidNodeType    = "invalid_node_type"
	IssueCycle              = "cycle"
	IssueEntryMissing       = "entry_missing"
	IssueEntryHasIncoming   = "entry_has_incoming"
	IssueEntryType          = "entry_type"
	IssueExitMissing        = "exit_missing"
	IssueExitUnreachable    = "exit_unreachable"
	IssueFlowConflict       = "flow_type_conflict"
	IssueMissingCoordinator = "missing_coordinator"
	IssueUnreachableNode    = "unreachable_node"
	IssueDeadEnd            = "dead_end"
	IssueExitHasOutgoing    = "exit_has_outgoing"
	IssueStrayEntryType     = "stray_entry_type"
)

// Issue is one validation finding.
type Issue struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	NodeID  string   `json:"node_id,omitempty"`
	EdgeIDs []string `json:"edge_ids,omitempty"`
}

func (i Issue) String() string {
	if len(i.EdgeIDs) > 0 {
		return fmt.Sprintf("%s: %s [%s]", i.Code, i.Message, strings.Join(i.EdgeIDs, ", "))
	}

	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// Metrics are informational and never gate validity.
type Metrics struct {
	NodeCount       int     `json:"node_count"`
	EdgeCount       int     `json:"edge_count"`
	MaxDepth        int     `json:"max_depth"`
	BranchingFactor float64 `json:"branching_factor"`
	ParallelPaths   int     `json:"parallel_paths"`
}

type ValidationResult struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
	Metrics  Metrics `json:"metrics"`
}

// Err returns a StructuralError when the result is invalid.
func (r ValidationResult) Err(dagID string) error {
	if r.Valid {
		return nil
	}

	return &StructuralError{DAGID: dagID, Issues: r.Errors}
}

type validation struct {
	def    *models.DAGDefinition
	graph  *Graph
	result ValidationResult
}

func (v *validation) fail(code, nodeID string, edgeIDs []string, format string, args ...any) {
	v.result.Errors = append(v.result.Errors, Issue{
		Code: code, Message: fmt.Sprintf(format, args...), NodeID: nodeID, EdgeIDs: edgeIDs,
	})
}

func (v *validation) warn(code, nodeID string, format string, args ...any) {
	v.result.Warnings = append(v.result.Warnings, Issue{
		Code: code, Message: fmt.Sprintf(format, args...), NodeID: nodeID,
	})
}

// Validate checks references, acyclicity, entry/exit reachability and flow
// consistency, and computes graph metrics. It never mutates def.
func Validate(def *models.DAGDefinition) ValidationResult {
	v := &validation{def: def, graph: NewGraph(def)}

	v.checkNodes()
	v.checkEdges()

	acyclic := v.checkCycles()

	v.checkEntry()
	v.checkExits()
	v.checkFlowTypes()
	v.checkReachability()

	if acyclic {
		v.result.Metrics = computeMetrics(v.graph)
	}

	v.result.Valid = len(v.result.Errors) == 0

	return v.result
}

func (v *validation) checkNodes() {
	seen := map[string]bool{}

	for _, node := range v.def.Nodes {
		switch {
		case node.ID == "":
			v.fail(IssueEmptyID, "", nil, "node without id")

			continue
		case seen[node.ID]:
			v.fail(IssueDuplicateNode, node.ID, nil, "node id %q declared more than once", node.ID)
		}

		seen[node.ID] = true

		switch node.Type {
		case models.NodeTypeEntry, models.NodeTypeTask, models.NodeTypeGate, models.NodeTypeExit:
		default:
			v.fail(IssueInvalidNodeType, node.ID, nil, "node %q has unknown type %q", node.ID, node.Type)
		}

		if node.Type == models.NodeTypeEntry && node.ID != v.def.EntryNode {
			v.warn(IssueStrayEntryType, node.ID, "node %q is typed entry but %q is the entry node", node.ID, v.def.EntryNode)
		}
	}
}

func (v *validation) checkEdges() {
	seen := map[string]bool{}

	for _, edge := range v.def.Edges {
		if edge.ID == "" {
			v.fail(IssueEmptyID, "", nil, "edge %s->%s without id", edge.From, edge.To)
		} else if seen[edge.ID] {
			v.fail(IssueDuplicateEdge, "", []string{edge.ID}, "edge id %q declared more than once", edge.ID)
		}

		seen[edge.ID] = true

		for _, ref := range []string{edge.From, edge.To} {
			if _, ok := v.graph.Node(ref); !ok {
				v.fail(IssueUnknownNode, ref, []string{edge.ID}, "edge %q references unknown node %q", edge.ID, ref)
			}
		}

		if !edge.FlowType.Valid() {
			v.fail(IssueUnknownFlowType, "", []string{edge.ID}, "edge %q has unknown flow type %q", edge.ID, edge.FlowType)
		}

		if edge.ExecutionHint != "" && edge.ExecutionHint != models.HintSequential && edge.ExecutionHint != models.HintParallel {
			v.fail(IssueInvalidHint, "", []string{edge.ID}, "edge %q has unknown execution hint %q", edge.ID, edge.ExecutionHint)
		}
	}
}

// checkCycles runs a DFS with a recursion stack; every back-edge is reported
// with the edges of the cycle it closes.
func (v *validation) checkCycles() bool {
	const (
		unvisited = iota
		onStack
		done
	)

	state := map[string]int{}
	path := []*models.Edge{}
	acyclic := true

	var visit func(id string)

	visit = func(id string) {
		state[id] = onStack

		for _, edge := range v.graph.Outgoing(id) {
			switch state[edge.To] {
			case onStack:
				acyclic = false
				cycle := []string{}

				start := len(path)
				for i := len(path) - 1; i >= 0; i-- {
					if path[i].From == edge.To {
						start = i

						break
					}
				}

				for _, e := range path[start:] {
					cycle = append(cycle, e.ID)
				}

				cycle = append(cycle, edge.ID)
				v.fail(IssueCycle, edge.To, cycle, "edge %q closes a cycle through node %q", edge.ID, edge.To)
			case unvisited:
				path = append(path, edge)
				visit(edge.To)
				path = path[:len(path)-1]
			}
		}

		state[id] = done
	}

	for _, id := range v.graph.NodeIDs() {
		if state[id] == unvisited {
			visit(id)
		}
	}

	return acyclic
}

func (v *validation) checkEntry() {
	entry, ok := v.graph.Node(v.def.EntryNode)
	if !ok {
		v.fail(IssueEntryMissing, v.def.EntryNode, nil, "entry node %q does not exist", v.def.EntryNode)

		return
	}

	if entry.Type != models.NodeTypeEntry && entry.Type != models.NodeTypeTask {
		v.fail(IssueEntryType, entry.ID, nil, "entry node %q must be of type entry or task, got %q", entry.ID, entry.Type)
	}

	if incoming := v.graph.Incoming(entry.ID); len(incoming) > 0 {
		v.fail(IssueEntryHasIncoming, entry.ID, edgeIDs(incoming), "entry node %q has incoming edges", entry.ID)
	}
}

func (v *validation) checkExits() {
	reachable := v.graph.Reachable(v.def.EntryNode)

	for _, exit := range v.def.ExitNodes {
		if _, ok := v.graph.Node(exit); !ok {
			v.fail(IssueExitMissing, exit, nil, "exit node %q does not exist", exit)

			continue
		}

		if !reachable[exit] {
			v.fail(IssueExitUnreachable, exit, nil, "exit node %q is not reachable from entry %q", exit, v.def.EntryNode)
		}

		if outgoing := v.graph.Outgoing(exit); len(outgoing) > 0 {
			v.warn(IssueExitHasOutgoing, exit, "exit node %q has %d outgoing edges", exit, len(outgoing))
		}
	}
}

// checkFlowTypes requires an unambiguous strategy per node: all incoming
// edges other than context hand-offs must share one flow type.
func (v *validation) checkFlowTypes() {
	for _, id := range v.graph.NodeIDs() {
		node, _ := v.graph.Node(id)

		flows := map[models.FlowType][]string{}

		for _, edge := range v.graph.Incoming(id) {
			if edge.FlowType != models.FlowContextHandoff && edge.FlowType.Valid() {
				flows[edge.FlowType] = append(flows[edge.FlowType], edge.ID)
			}
		}

		if len(flows) > 1 {
			var ids []string
			for _, edge := range v.graph.Incoming(id) {
				ids = append(ids, edge.ID)
			}

			v.fail(IssueFlowConflict, id, ids, "node %q has incoming edges with conflicting flow types", id)
		}

		if _, ok := flows[models.FlowAutonomousDecision]; ok && node.Type != models.NodeTypeGate && node.Coordinator == nil {
			v.fail(IssueMissingCoordinator, id, flows[models.FlowAutonomousDecision],
				"node %q is reached by autonomous_decision but declares no coordinator", id)
		}
	}
}

func (v *validation) checkReachability() {
	reachable := v.graph.Reachable(v.def.EntryNode)

	reachesExit := map[string]bool{}
	for _, exit := range v.def.ExitNodes {
		for id := range v.graph.Ancestors(exit) {
			reachesExit[id] = true
		}

		reachesExit[exit] = true
	}

	for _, id := range v.graph.NodeIDs() {
		switch {
		case !reachable[id]:
			v.warn(IssueUnreachableNode, id, "node %q is not reachable from entry %q and will not run", id, v.def.EntryNode)
		case !reachesExit[id]:
			v.warn(IssueDeadEnd, id, "node %q is not on any path to an exit node", id)
		}
	}
}

func edgeIDs(edges []*models.Edge) []string {
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.ID)
	}

	return ids
}
