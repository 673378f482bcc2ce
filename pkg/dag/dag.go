// Package dag validates "must finish before" constraints between tasks.
//
// Each Graph holds one independent set of dependency edges (a batch of
// related tasks). Edge batches are validated with Kahn's topological sort
// before being committed: a cyclic batch is rejected whole, leaving the
// graph exactly as it was.
package dag

import (
	"fmt"
	"sort"
	"strings"
)

// Edge declares that Successor must not start until Predecessor completes.
type Edge struct {
	Predecessor uint
	Successor   uint
}

// CycleError reports the nodes involved in a dependency cycle.
type CycleError struct {
	Graph string
	Nodes []uint
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Nodes))
	for i, n := range e.Nodes {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("dependency cycle in graph %q involving tasks [%s]", e.Graph, strings.Join(parts, " "))
}

// Graph is a directed acyclic dependency graph over task IDs.
// It is not safe for concurrent use; callers serialize access.
type Graph struct {
	name  string
	preds map[uint][]uint
	succs map[uint][]uint
}

// New returns an empty graph. The name only appears in error messages.
func New(name string) *Graph {
	return &Graph{
		name:  name,
		preds: make(map[uint][]uint),
		succs: make(map[uint][]uint),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// AddEdges adds a batch of edges after proving the combined graph is still
// acyclic. On failure no edge from the batch is committed.
func (g *Graph) AddEdges(edges ...Edge) error {
	preds := make(map[uint][]uint, len(g.preds))
	succs := make(map[uint][]uint, len(g.succs))
	for k, v := range g.preds {
		preds[k] = append([]uint(nil), v...)
	}
	for k, v := range g.succs {
		succs[k] = append([]uint(nil), v...)
	}
	for _, e := range edges {
		if e.Predecessor == e.Successor {
			return &CycleError{Graph: g.name, Nodes: []uint{e.Predecessor}}
		}
		preds[e.Successor] = append(preds[e.Successor], e.Predecessor)
		succs[e.Predecessor] = append(succs[e.Predecessor], e.Successor)
	}

	if cycle := findCycle(preds, succs); len(cycle) > 0 {
		return &CycleError{Graph: g.name, Nodes: cycle}
	}

	g.preds = preds
	g.succs = succs
	return nil
}

// findCycle runs Kahn's algorithm; any node it cannot peel off sits on a cycle.
func findCycle(preds, succs map[uint][]uint) []uint {
	indegree := make(map[uint]int)
	for n := range succs {
		if _, ok := indegree[n]; !ok {
			indegree[n] = 0
		}
	}
	for n, ps := range preds {
		indegree[n] = len(ps)
	}

	queue := make([]uint, 0, len(indegree))
	for n, d := range indegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}

	removed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		removed++
		for _, m := range succs[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if removed == len(indegree) {
		return nil
	}

	cycle := make([]uint, 0)
	for n, d := range indegree {
		if d > 0 {
			cycle = append(cycle, n)
		}
	}
	sort.Slice(cycle, func(i, j int) bool { return cycle[i] < cycle[j] })
	return cycle
}

// Predecessors returns the direct predecessors of a task.
func (g *Graph) Predecessors(id uint) []uint {
	return append([]uint(nil), g.preds[id]...)
}

// Ready reports whether every predecessor of the task is in the completed
// set. Tasks with no predecessors are always ready.
func (g *Graph) Ready(id uint, completed map[uint]bool) bool {
	for _, p := range g.preds[id] {
		if !completed[p] {
			return false
		}
	}
	return true
}

// Len returns the number of nodes that appear in at least one edge.
func (g *Graph) Len() int {
	nodes := make(map[uint]struct{})
	for n := range g.preds {
		nodes[n] = struct{}{}
	}
	for n := range g.succs {
		nodes[n] = struct{}{}
	}
	return len(nodes)
}
