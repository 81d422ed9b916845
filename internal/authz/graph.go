package authz

import (
	"fmt"

	"github.com/atlas-sis/atlas-sis/internal/shared"
)

// Edge is one directed edge in a grant graph.
type Edge struct {
	From int64
	To   int64
}

// Graph is an in-memory adjacency view over a set of directed edges, loaded
// once per validation call.
type Graph struct {
	adjacency map[int64][]int64
}

// NewGraph builds the adjacency view.
func NewGraph(edges []Edge) *Graph {
	adjacency := make(map[int64][]int64, len(edges))
	for _, e := range edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}
	return &Graph{adjacency: adjacency}
}

// HasEdge reports whether from -> to already exists.
func (g *Graph) HasEdge(from, to int64) bool {
	for _, next := range g.adjacency[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WouldCreateCycle reports whether adding from -> to would close a cycle.
// It walks breadth-first from "to" along existing edges; reaching "from"
// means the new edge completes a loop. Runs in O(V+E).
func (g *Graph) WouldCreateCycle(from, to int64) bool {
	if from == to {
		return true
	}
	visited := map[int64]bool{to: true}
	queue := []int64{to}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range g.adjacency[node] {
			if next == from {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// ValidateNewEdge rejects self-loops, duplicates and cycle-closing edges.
// Callers must run it inside the same transaction as the insert so two
// concurrent edits cannot each pass and jointly close a cycle.
func (g *Graph) ValidateNewEdge(from, to int64) error {
	if from == to {
		return fmt.Errorf("edge %d -> %d is a self-loop: %w", from, to, shared.ErrInvalidArgument)
	}
	if g.HasEdge(from, to) {
		return fmt.Errorf("edge %d -> %d already exists: %w", from, to, shared.ErrConflict)
	}
	if g.WouldCreateCycle(from, to) {
		return fmt.Errorf("edge %d -> %d would close a cycle: %w", from, to, shared.ErrCycleDetected)
	}
	return nil
}
