// Package graph implements the dependency graph used during bean
// resolution. Nodes are bean types; edges point from a bean to the
// beans it depends on. Provided (pre-built) entries are not nodes:
// edges into them contribute nothing to a node's in-degree.
package graph

import (
	"reflect"
	"sort"
)

// Graph is a dependency graph over bean types. It is not safe for
// concurrent use; the registry builds and sorts it from a single
// goroutine during resolution.
type Graph struct {
	nodes map[reflect.Type]struct{}
	edges map[reflect.Type][]reflect.Type // node -> its dependencies

	// order preserves insertion order so ties in the topological
	// sort drain deterministically.
	order []reflect.Type
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[reflect.Type]struct{}),
		edges: make(map[reflect.Type][]reflect.Type),
	}
}

// AddNode registers a bean type with its bean-typed dependencies.
// Dependencies satisfied by provided entries must be filtered out by
// the caller before adding the node.
func (g *Graph) AddNode(t reflect.Type, deps []reflect.Type) {
	if _, ok := g.nodes[t]; !ok {
		g.nodes[t] = struct{}{}
		g.order = append(g.order, t)
	}
	g.edges[t] = append(g.edges[t][:0:0], deps...)
}

// Has reports whether t is a node in the graph.
func (g *Graph) Has(t reflect.Type) bool {
	_, ok := g.nodes[t]
	return ok
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// TopologicalSort orders nodes so every node appears after all of its
// dependencies (Kahn's algorithm). If any nodes remain blocked after
// the drain, they form at least one cycle and a CycleError naming
// them is returned.
func (g *Graph) TopologicalSort() ([]reflect.Type, error) {
	inDegree := make(map[reflect.Type]int, len(g.nodes))
	dependents := make(map[reflect.Type][]reflect.Type, len(g.nodes))

	for _, node := range g.order {
		inDegree[node] += 0
		for _, dep := range g.edges[node] {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			inDegree[node]++
			dependents[dep] = append(dependents[dep], node)
		}
	}

	queue := make([]reflect.Type, 0, len(g.nodes))
	for _, node := range g.order {
		if inDegree[node] == 0 {
			queue = append(queue, node)
		}
	}

	sorted := make([]reflect.Type, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) != len(g.nodes) {
		blocked := make([]reflect.Type, 0, len(g.nodes)-len(sorted))
		for node, degree := range inDegree {
			if degree > 0 {
				blocked = append(blocked, node)
			}
		}
		sort.Slice(blocked, func(i, j int) bool {
			return blocked[i].String() < blocked[j].String()
		})
		return nil, &CycleError{Blocked: blocked}
	}

	return sorted, nil
}
