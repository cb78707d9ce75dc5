// Package graph builds topologically-staged execution plans from a set of
// operations and their dependencies, the way pkg/orchestration's PlanExecutor
// grouped routing steps by execution order, generalized into a standalone
// Kahn-style staging algorithm.
package graph

import (
	"fmt"

	"github.com/quorumai/mesh/core"
)

// Graph is a dependency graph over opaque node ids. It is not safe for
// concurrent mutation; callers build it once per batch and then call
// ExecutionOrder or HasCycles.
type Graph struct {
	nodes map[string]interface{}
	edges map[string][]string // node -> ids it depends on
	order []string            // insertion order, for deterministic stage contents
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]interface{}),
		edges: make(map[string][]string),
	}
}

// AddNode registers a node. data is opaque payload the caller can retrieve
// later; re-adding an existing id overwrites its payload without touching
// its edges.
func (g *Graph) AddNode(id string, data interface{}) {
	if _, exists := g.nodes[id]; !exists {
		g.order = append(g.order, id)
	}
	g.nodes[id] = data
}

// AddDependency records that id depends on dependsOn, i.e. dependsOn must
// complete first.
func (g *Graph) AddDependency(id, dependsOn string) {
	g.edges[id] = append(g.edges[id], dependsOn)
}

// Node returns the payload registered for id.
func (g *Graph) Node(id string) (interface{}, bool) {
	v, ok := g.nodes[id]
	return v, ok
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// HasCycles reports whether the graph contains a cycle.
func (g *Graph) HasCycles() bool {
	_, err := g.stage()
	return err != nil
}

// ExecutionOrder returns the staged execution order: each stage is a set of
// node ids whose dependencies are entirely satisfied by previous stages.
// Returns core.ErrCycleDetected if the graph is not acyclic — this runtime
// treats a cycle as a hard abort of the whole batch (see design notes),
// unlike the warn-and-continue variant some callers may still want; use
// TryExecutionOrder for that.
func (g *Graph) ExecutionOrder() ([][]string, error) {
	stages, err := g.stage()
	if err != nil {
		return nil, err
	}
	return stages, nil
}

// TryExecutionOrder is the lenient counterpart to ExecutionOrder: on a cycle
// it returns the stages computed so far plus one final stage containing
// every remaining (cyclic) node, and reports ok=false so the caller can
// still log or warn without aborting.
func (g *Graph) TryExecutionOrder() (stages [][]string, ok bool) {
	staged, remaining := g.stageLenient()
	if len(remaining) == 0 {
		return staged, true
	}
	return append(staged, remaining), false
}

// stage implements the Kahn-style staging algorithm: repeatedly collect all
// unvisited nodes whose dependency set is a subset of already-visited
// nodes; that collection is the next stage. If an iteration finds nothing
// to add and nodes remain, those nodes form a cycle.
func (g *Graph) stage() ([][]string, error) {
	staged, remaining := g.stageLenient()
	if len(remaining) > 0 {
		return nil, fmt.Errorf("dependency graph has a cycle among %d node(s): %w", len(remaining), core.ErrCycleDetected)
	}
	return staged, nil
}

func (g *Graph) stageLenient() (stages [][]string, cyclic []string) {
	visited := make(map[string]bool, len(g.nodes))
	remaining := make(map[string]bool, len(g.nodes))
	for _, id := range g.order {
		remaining[id] = true
	}

	for len(remaining) > 0 {
		var stage []string
		for _, id := range g.order {
			if !remaining[id] {
				continue
			}
			if g.satisfied(id, visited) {
				stage = append(stage, id)
			}
		}
		if len(stage) == 0 {
			// Whatever remains is cyclic; report it in insertion order.
			for _, id := range g.order {
				if remaining[id] {
					cyclic = append(cyclic, id)
				}
			}
			return stages, cyclic
		}
		for _, id := range stage {
			visited[id] = true
			delete(remaining, id)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func (g *Graph) satisfied(id string, visited map[string]bool) bool {
	for _, dep := range g.edges[id] {
		if !visited[dep] {
			return false
		}
	}
	return true
}
