// Package dag indexes, validates and loads workflow graph definitions.
package dag

import (
	"sort"

	"github.com/dukex/agentflow/pkg/models"
)

// Graph is a read-only adjacency index over a DAGDefinition. Edges that
// reference unknown nodes are left out of the index.
type Graph struct {
	def      *models.DAGDefinition
	nodes    map[string]*models.Node
	position map[string]int
	out      map[string][]*models.Edge
	in       map[string][]*models.Edge
}

func NewGraph(def *models.DAGDefinition) *Graph {
	g := &Graph{
		def:      def,
		nodes:    make(map[string]*models.Node, len(def.Nodes)),
		position: make(map[string]int, len(def.Nodes)),
		out:      make(map[string][]*models.Edge),
		in:       make(map[string][]*models.Edge),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if _, exists := g.nodes[node.ID]; exists {
			continue
		}

		g.nodes[node.ID] = node
		g.position[node.ID] = i
	}

	for i := range def.Edges {
		edge := &def.Edges[i]
		if g.nodes[edge.From] == nil || g.nodes[edge.To] == nil {
			continue
		}

		g.out[edge.From] = append(g.out[edge.From], edge)
		g.in[edge.To] = append(g.in[edge.To], edge)
	}

	return g
}

func (g *Graph) Definition() *models.DAGDefinition {
	return g.def
}

func (g *Graph) Node(id string) (*models.Node, bool) {
	node, ok := g.nodes[id]

	return node, ok
}

// NodeIDs returns node ids in declaration order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}

	g.sortByPosition(ids)

	return ids
}

func (g *Graph) Incoming(id string) []*models.Edge {
	return g.in[id]
}

func (g *Graph) Outgoing(id string) []*models.Edge {
	return g.out[id]
}

// Reachable returns every node reachable from start, start included.
func (g *Graph) Reachable(start string) map[string]bool {
	return g.walk(start, g.out, func(e *models.Edge) string { return e.To })
}

// Ancestors returns every node that can reach id, id excluded.
func (g *Graph) Ancestors(id string) map[string]bool {
	seen := g.walk(id, g.in, func(e *models.Edge) string { return e.From })
	delete(seen, id)

	return seen
}

func (g *Graph) walk(start string, adj map[string][]*models.Edge, next func(*models.Edge) string) map[string]bool {
	seen := map[string]bool{}
	if _, ok := g.nodes[start]; !ok {
		return seen
	}

	stack := []string{start}
	seen[start] = true

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, edge := range adj[current] {
			target := next(edge)
			if !seen[target] {
				seen[target] = true
				stack = append(stack, target)
			}
		}
	}

	return seen
}

// TopologicalOrder orders nodes so every edge points forward, breaking ties
// by declaration order. ok is false when the graph has a cycle.
func (g *Graph) TopologicalOrder() (order []string, ok bool) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.in[id])
	}

	var ready []string

	for _, id := range g.NodeIDs() {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		var released []string

		for _, edge := range g.out[current] {
			inDegree[edge.To]--
			if inDegree[edge.To] == 0 {
				released = append(released, edge.To)
			}
		}

		g.sortByPosition(released)
		ready = append(ready, released...)
	}

	return order, len(order) == len(g.nodes)
}

// SortTopological sorts ids in place following TopologicalOrder.
func (g *Graph) SortTopological(ids []string) {
	order, _ := g.TopologicalOrder()

	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	sort.SliceStable(ids, func(i, j int) bool { return rank[ids[i]] < rank[ids[j]] })
}

func (g *Graph) sortByPosition(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return g.position[ids[i]] < g.position[ids[j]] })
}
