// Package testutil provides graph builders and scripted steps for tests.
package testutil

import (
	"fmt"

	"github.com/dukex/agentflow/pkg/models"
)

// CreateTestDAG creates a DAG with the given nodes and edges. The entry node
// defaults to the first node and the exit nodes to the last one.
func CreateTestDAG(nodes []models.Node, edges []models.Edge, overrides ...func(*models.DAGDefinition)) *models.DAGDefinition {
	def := &models.DAGDefinition{
		ID:      "test-dag",
		Name:    "Test DAG",
		Version: "1",
		Nodes:   nodes,
		Edges:   edges,
	}

	if len(nodes) > 0 {
		def.EntryNode = nodes[0].ID
		def.ExitNodes = []string{nodes[len(nodes)-1].ID}
	}

	for _, override := range overrides {
		override(def)
	}

	return def
}

// WithEntry sets the entry node.
func WithEntry(id string) func(*models.DAGDefinition) {
	return func(d *models.DAGDefinition) {
		d.EntryNode = id
	}
}

// WithExits sets the exit nodes.
func WithExits(ids ...string) func(*models.DAGDefinition) {
	return func(d *models.DAGDefinition) {
		d.ExitNodes = ids
	}
}

// CreateTestNode creates a task node whose step ref equals its id.
func CreateTestNode(id string, overrides ...func(*models.Node)) models.Node {
	node := models.Node{ID: id, Type: models.NodeTypeTask, StepRef: id}

	for _, override := range overrides {
		override(&node)
	}

	return node
}

func AsEntry() func(*models.Node) {
	return func(n *models.Node) { n.Type = models.NodeTypeEntry }
}

func AsExit() func(*models.Node) {
	return func(n *models.Node) { n.Type = models.NodeTypeExit }
}

// AsGate turns the node into a human gate with the given stage timeout.
func AsGate(stage string, timeoutMs int64) func(*models.Node) {
	return func(n *models.Node) {
		n.Type = models.NodeTypeGate
		n.StepRef = ""
		n.Approval = &models.ApprovalSpec{Stage: stage, TimeoutMs: timeoutMs}
	}
}

func WithStepRef(ref string) func(*models.Node) {
	return func(n *models.Node) { n.StepRef = ref }
}

func WithTimeout(ms int64) func(*models.Node) {
	return func(n *models.Node) { n.TimeoutMs = ms }
}

// WithCompensation registers a compensation served by serviceID.
func WithCompensation(serviceID string, action models.CompensationKind) func(*models.Node) {
	return func(n *models.Node) {
		n.Compensation = &models.CompensationSpec{ServiceID: serviceID, Action: action}
	}
}

func WithCoordinator(reasoningRef string, maxIterations int, helpers ...string) func(*models.Node) {
	return func(n *models.Node) {
		n.Coordinator = &models.CoordinatorSpec{
			ReasoningRef:  reasoningRef,
			MaxIterations: maxIterations,
			Helpers:       helpers,
		}
	}
}

// CreateTestEdge creates a direct_call edge with id "from->to".
func CreateTestEdge(from, to string, overrides ...func(*models.Edge)) models.Edge {
	edge := models.Edge{
		ID:       fmt.Sprintf("%s->%s", from, to),
		From:     from,
		To:       to,
		FlowType: models.FlowDirectCall,
	}

	for _, override := range overrides {
		override(&edge)
	}

	return edge
}

func WithFlow(flow models.FlowType) func(*models.Edge) {
	return func(e *models.Edge) { e.FlowType = flow }
}

func WithCondition(condition string) func(*models.Edge) {
	return func(e *models.Edge) { e.Condition = condition }
}

func WithPriority(priority int) func(*models.Edge) {
	return func(e *models.Edge) { e.Priority = priority }
}

func WithHint(hint models.ExecutionHint) func(*models.Edge) {
	return func(e *models.Edge) { e.ExecutionHint = hint }
}

func WithContextKeys(keys ...string) func(*models.Edge) {
	return func(e *models.Edge) { e.ContextKeys = keys }
}

// LinearDAG builds ids[0] -> ids[1] -> ... with direct_call edges.
func LinearDAG(ids ...string) *models.DAGDefinition {
	nodes := make([]models.Node, 0, len(ids))
	edges := make([]models.Edge, 0, len(ids))

	for i, id := range ids {
		nodes = append(nodes, CreateTestNode(id))

		if i > 0 {
			edges = append(edges, CreateTestEdge(ids[i-1], id))
		}
	}

	return CreateTestDAG(nodes, edges)
}
