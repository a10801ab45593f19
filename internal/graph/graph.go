// Package graph provides a dependency graph for task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownNode indicates an edge references a node that was never added.
	ErrUnknownNode = errors.New("unknown node")
)

// DependencyGraph represents a directed acyclic graph of dependencies.
// Nodes are IDs, and edges represent "blocked by" relationships.
// Iteration order is always node insertion order, so every result is
// deterministic.
type DependencyGraph struct {
	mu sync.RWMutex
	// order holds node IDs in insertion order.
	order []string
	// nodes indexes order.
	nodes map[string]int
	// edges maps node ID to IDs of nodes it depends on (is blocked by).
	edges map[string][]string
	// completed tracks which nodes have been marked complete.
	completed map[string]bool
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]int),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
	}
}

// Build constructs a graph from node IDs and a map of node -> prerequisites.
// Returns an error if a dependency references an unknown node or a cycle exists.
func Build(ids []string, deps map[string][]string) (*DependencyGraph, error) {
	g := New()
	for _, id := range ids {
		g.AddNode(id)
	}
	for _, id := range ids {
		for _, dep := range deps[id] {
			if err := g.AddEdge(id, dep); err != nil {
				return nil, err
			}
		}
	}
	for id := range deps {
		if !g.Has(id) {
			return nil, fmt.Errorf("%w: %s has dependencies but is not a node", ErrUnknownNode, id)
		}
	}
	if cycle := g.FindCycle(); cycle != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, cycle)
	}
	return g, nil
}

// AddNode registers a node. Adding an existing node is a no-op.
func (g *DependencyGraph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = len(g.order)
	g.order = append(g.order, id)
}

// AddEdge records that id depends on dependsOn. Duplicate edges are ignored.
func (g *DependencyGraph) AddEdge(id, dependsOn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if _, ok := g.nodes[dependsOn]; !ok {
		return fmt.Errorf("%w: %s depends on %s", ErrUnknownNode, id, dependsOn)
	}
	for _, existing := range g.edges[id] {
		if existing == dependsOn {
			return nil
		}
	}
	g.edges[id] = append(g.edges[id], dependsOn)
	return nil
}

// Has reports whether id is a node.
func (g *DependencyGraph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	return g.FindCycle() != nil
}

// FindCycle returns the node IDs of one cycle, or nil if the graph is acyclic.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) FindCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked()
}

func (g *DependencyGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: the cycle is the stack suffix starting at depID.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == depID {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalSort returns node IDs in an order where all dependencies come
// before the nodes that depend on them. Ties keep insertion order.
// Returns an error if the graph contains a cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	var result []string
	for _, level := range levels {
		result = append(result, level...)
	}
	return result, nil
}

// Levels groups nodes into waves: every node's dependencies are in earlier
// waves, so the nodes of one wave may run concurrently.
func (g *DependencyGraph) Levels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, cycle)
	}

	remaining := make(map[string]int, len(g.order))
	for _, id := range g.order {
		remaining[id] = len(g.edges[id])
	}
	dependents := g.dependentsLocked()

	var levels [][]string
	placed := 0
	for placed < len(g.order) {
		var level []string
		for _, id := range g.order {
			if remaining[id] == 0 {
				level = append(level, id)
			}
		}
		for _, id := range level {
			remaining[id] = -1
			for _, dep := range dependents[id] {
				remaining[dep]--
			}
		}
		placed += len(level)
		levels = append(levels, level)
	}
	return levels, nil
}

// GetReady returns node IDs that have no unmet dependencies and are not yet completed.
// These nodes can be executed in parallel.
func (g *DependencyGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		if g.completed[id] {
			continue
		}
		allDepsComplete := true
		for _, depID := range g.edges[id] {
			if !g.completed[depID] {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkComplete marks a node as completed in the graph.
// This affects subsequent calls to GetReady.
func (g *DependencyGraph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[id] = true
}

// IsComplete reports whether id has been marked complete.
func (g *DependencyGraph) IsComplete(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.completed[id]
}

// Size returns the number of nodes in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Nodes returns node IDs in insertion order.
func (g *DependencyGraph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// GetDependencies returns the IDs of nodes that the given node depends on.
func (g *DependencyGraph) GetDependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// GetDependents returns the IDs of nodes that depend on the given node.
func (g *DependencyGraph) GetDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependentsLocked()[id]...)
}

// GetTransitiveDependents returns every node that directly or indirectly
// depends on id, in insertion order.
func (g *DependencyGraph) GetTransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	dependents := g.dependentsLocked()
	seen := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range dependents[cur] {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}

	var out []string
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// GetCompletedIDs returns the IDs of all nodes marked as completed, in insertion order.
func (g *DependencyGraph) GetCompletedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for _, id := range g.order {
		if g.completed[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// dependentsLocked inverts edges. Caller must hold g.mu.
func (g *DependencyGraph) dependentsLocked() map[string][]string {
	dependents := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		for _, dep := range g.edges[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	return dependents
}
