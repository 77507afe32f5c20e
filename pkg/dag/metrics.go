package dag

import "math"

func computeMetrics(g *Graph) Metrics {
	def := g.Definition()

	edgeCount := 0
	for _, id := range g.NodeIDs() {
		edgeCount += len(g.Outgoing(id))
	}

	metrics := Metrics{
		NodeCount: len(g.NodeIDs()),
		EdgeCount: edgeCount,
	}

	if metrics.NodeCount > 0 {
		metrics.BranchingFactor = float64(edgeCount) / float64(metrics.NodeCount)
	}

	if _, ok := g.Node(def.EntryNode); !ok {
		return metrics
	}

	metrics.MaxDepth = maxDepth(g)
	metrics.ParallelPaths = parallelPaths(g)

	return metrics
}

// maxDepth is the number of edges on the longest entry to exit path.
func maxDepth(g *Graph) int {
	def := g.Definition()
	order, _ := g.TopologicalOrder()

	depth := map[string]int{def.EntryNode: 0}

	for _, id := range order {
		current, reached := depth[id]
		if !reached {
			continue
		}

		for _, edge := range g.Outgoing(id) {
			if next, seen := depth[edge.To]; !seen || current+1 > next {
				depth[edge.To] = current + 1
			}
		}
	}

	longest := 0

	for _, exit := range def.ExitNodes {
		if d, ok := depth[exit]; ok && d > longest {
			longest = d
		}
	}

	return longest
}

// parallelPaths counts the maximum number of entry to exit paths that share
// no intermediate node. Each node is split into an in/out pair with unit
// capacity (entry and exits unbounded) and the max flow is computed.
func parallelPaths(g *Graph) int {
	def := g.Definition()
	ids := g.NodeIDs()

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	inOf := func(id string) int { return 2 * index[id] }
	outOf := func(id string) int { return 2*index[id] + 1 }
	sink := 2 * len(ids)

	network := newFlowNetwork(sink + 1)
	unbounded := math.MaxInt32

	for _, id := range ids {
		if id == def.EntryNode || def.IsExit(id) {
			network.add(inOf(id), outOf(id), unbounded)
		} else {
			network.add(inOf(id), outOf(id), 1)
		}

		for _, edge := range g.Outgoing(id) {
			if _, ok := index[edge.To]; ok {
				network.add(outOf(id), inOf(edge.To), 1)
			}
		}
	}

	for _, exit := range def.ExitNodes {
		switch _, ok := index[exit]; {
		case !ok:
		case exit == def.EntryNode:
			// A single-node path is one path.
			network.add(outOf(exit), sink, 1)
		default:
			network.add(outOf(exit), sink, unbounded)
		}
	}

	return network.maxFlow(inOf(def.EntryNode), sink)
}

// arc is one direction of a residual edge; rev indexes its reverse arc in
// the adjacency list of to.
type arc struct {
	to       int
	rev      int
	capacity int
}

// flowNetwork is a residual graph kept as adjacency lists, so memory grows
// with the number of edges rather than the square of the node count.
type flowNetwork struct {
	arcs [][]arc
}

func newFlowNetwork(size int) *flowNetwork {
	return &flowNetwork{arcs: make([][]arc, size)}
}

func (n *flowNetwork) add(from, to, capacity int) {
	n.arcs[from] = append(n.arcs[from], arc{to: to, rev: len(n.arcs[to]), capacity: capacity})
	n.arcs[to] = append(n.arcs[to], arc{to: from, rev: len(n.arcs[from]) - 1})
}

// maxFlow runs Edmonds-Karp: augment along shortest residual paths until
// the sink is unreachable.
func (n *flowNetwork) maxFlow(source, sink int) int {
	type step struct{ node, arc int }

	flow := 0
	parent := make([]step, len(n.arcs))

	for {
		for i := range parent {
			parent[i] = step{node: -1}
		}

		parent[source] = step{node: source}
		queue := []int{source}

		for len(queue) > 0 && parent[sink].node == -1 {
			current := queue[0]
			queue = queue[1:]

			for i, a := range n.arcs[current] {
				if a.capacity > 0 && parent[a.to].node == -1 {
					parent[a.to] = step{node: current, arc: i}
					queue = append(queue, a.to)
				}
			}
		}

		if parent[sink].node == -1 {
			return flow
		}

		bottleneck := math.MaxInt32
		for v := sink; v != source; v = parent[v].node {
			bottleneck = min(bottleneck, n.arcs[parent[v].node][parent[v].arc].capacity)
		}

		for v := sink; v != source; v = parent[v].node {
			forward := &n.arcs[parent[v].node][parent[v].arc]
			forward.capacity -= bottleneck
			n.arcs[v][forward.rev].capacity += bottleneck
		}

		flow += bottleneck
	}
}
