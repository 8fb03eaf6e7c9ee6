// SPDX-License-Identifier: MPL-2.0

// Package dag provides directed acyclic graph operations for topological sorting
// and cycle detection. It backs the subsystem parent/child graph, keyed by
// subsystem location, and orders dependency installation.
package dag

import (
	"fmt"
	"slices"
	"strings"
)

type (
	// CycleError indicates that the graph contains a cycle, preventing topological ordering.
	CycleError struct {
		// Cycle contains the nodes that form the cycle (not necessarily all of them,
		// but enough to identify the problem).
		Cycle []string
	}

	// Graph is a directed graph for topological sorting.
	// Nodes are identified by string keys. Edges represent "must come before"
	// relationships: an edge from A to B means A precedes B. In the subsystem
	// graph the parent precedes the child.
	// Graph is not safe for concurrent use; callers serialize access.
	Graph struct {
		// adjacency maps each node to its outgoing neighbors (nodes that depend on it).
		adjacency map[string][]string
		// reverse maps each node to its incoming neighbors.
		reverse map[string][]string
		// nodes tracks all nodes in insertion order for deterministic output.
		nodes []string
		// nodeSet provides O(1) lookup for node existence.
		nodeSet map[string]bool
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		adjacency: make(map[string][]string),
		reverse:   make(map[string][]string),
		nodeSet:   make(map[string]bool),
	}
}

// AddNode adds a node to the graph. If the node already exists, this is a no-op.
func (g *Graph) AddNode(name string) {
	if g.nodeSet[name] {
		return
	}
	g.nodeSet[name] = true
	g.nodes = append(g.nodes, name)
}

// AddEdge adds a directed edge from -> to, meaning "from" must run before "to".
// Both nodes are implicitly added if they don't exist.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.adjacency[from] = append(g.adjacency[from], to)
	g.reverse[to] = append(g.reverse[to], from)
}

// HasNode reports whether the node exists.
func (g *Graph) HasNode(name string) bool {
	return g.nodeSet[name]
}

// HasEdge reports whether the edge from -> to exists.
func (g *Graph) HasEdge(from, to string) bool {
	return slices.Contains(g.adjacency[from], to)
}

// AddChild adds the edge parent -> child unless it would create a cycle, in
// which case a *CycleError is returned and the graph is left unchanged.
// Adding an existing edge is a no-op.
func (g *Graph) AddChild(parent, child string) error {
	if parent == child {
		return &CycleError{Cycle: []string{parent, child}}
	}
	if g.HasEdge(parent, child) {
		return nil
	}
	if path := g.path(child, parent); path != nil {
		return &CycleError{Cycle: append(path, child)}
	}
	g.AddEdge(parent, child)
	return nil
}

// RemoveChild removes the edge parent -> child if present.
func (g *Graph) RemoveChild(parent, child string) {
	g.adjacency[parent] = slices.DeleteFunc(g.adjacency[parent], func(n string) bool { return n == child })
	g.reverse[child] = slices.DeleteFunc(g.reverse[child], func(n string) bool { return n == parent })
}

// RemoveNode removes a node and every edge touching it.
func (g *Graph) RemoveNode(name string) {
	if !g.nodeSet[name] {
		return
	}
	for _, child := range g.adjacency[name] {
		g.reverse[child] = slices.DeleteFunc(g.reverse[child], func(n string) bool { return n == name })
	}
	for _, parent := range g.reverse[name] {
		g.adjacency[parent] = slices.DeleteFunc(g.adjacency[parent], func(n string) bool { return n == name })
	}
	delete(g.adjacency, name)
	delete(g.reverse, name)
	delete(g.nodeSet, name)
	g.nodes = slices.DeleteFunc(g.nodes, func(n string) bool { return n == name })
}

// Children returns the direct successors of name in insertion order.
func (g *Graph) Children(name string) []string {
	return slices.Clone(g.adjacency[name])
}

// Parents returns the direct predecessors of name in insertion order.
func (g *Graph) Parents(name string) []string {
	return slices.Clone(g.reverse[name])
}

// Ancestors returns every transitive predecessor of name, nearest first.
func (g *Graph) Ancestors(name string) []string {
	seen := map[string]bool{name: true}
	var out []string
	queue := slices.Clone(g.reverse[name])
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, g.reverse[n]...)
	}
	return out
}

// Descendants returns every transitive successor of name, nearest first.
func (g *Graph) Descendants(name string) []string {
	seen := map[string]bool{name: true}
	var out []string
	queue := slices.Clone(g.adjacency[name])
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, g.adjacency[n]...)
	}
	return out
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []string {
	return slices.Clone(g.nodes)
}

// path returns a path from -> ... -> to following edges, or nil.
func (g *Graph) path(from, to string) []string {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == to {
			var out []string
			for cur := to; cur != ""; cur = prev[cur] {
				out = append(out, cur)
				if cur == from {
					break
				}
			}
			slices.Reverse(out)
			return out
		}
		for _, next := range g.adjacency[n] {
			if _, ok := prev[next]; !ok {
				prev[next] = n
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// TopologicalSort returns a valid execution order using Kahn's algorithm.
// Returns CycleError if the graph contains a cycle.
// The returned order is deterministic: nodes at the same topological level
// appear in the order they were first added to the graph.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	// Compute in-degrees.
	inDegree := make(map[string]int, len(g.nodes))
	for _, node := range g.nodes {
		inDegree[node] = 0
	}
	for _, neighbors := range g.adjacency {
		for _, neighbor := range neighbors {
			inDegree[neighbor]++
		}
	}

	// Seed the queue with nodes that have no incoming edges, in insertion order.
	queue := make([]string, 0)
	for _, node := range g.nodes {
		if inDegree[node] == 0 {
			queue = append(queue, node)
		}
	}

	var result []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		for _, neighbor := range g.adjacency[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(result) != len(g.nodes) {
		// Remaining nodes with non-zero in-degree form the cycle.
		var cycleNodes []string
		for _, node := range g.nodes {
			if inDegree[node] > 0 {
				cycleNodes = append(cycleNodes, node)
			}
		}
		return nil, &CycleError{Cycle: cycleNodes}
	}

	return result, nil
}
