// Package graph provides directed acyclic graph (DAG) utilities for
// workflow definitions. This package offers cycle detection, topological
// sorting, and reachability analysis over node/edge graphs.
package graph

import "fmt"

// Edge is a directed edge between two node ids.
type Edge struct {
	Source string
	Target string
}

// ValidateAcyclic checks the graph for directed cycles using depth-first
// search with recursion stack detection. Returns an error naming the edge
// that closes a cycle.
func ValidateAcyclic(nodes []string, edges []Edge) error {
	adjacency := make(map[string][]string)
	for _, e := range edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	visited := make(map[string]bool)
	recursionStack := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		recursionStack[id] = true

		for _, next := range adjacency[id] {
			if !visited[next] {
				if err := visit(next); err != nil {
					return err
				}
			} else if recursionStack[next] {
				return fmt.Errorf("circular dependency detected: %s -> %s", id, next)
			}
		}

		recursionStack[id] = false
		return nil
	}

	for _, id := range nodes {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalOrder returns node ids in execution order using Kahn's
// algorithm. Nodes with no inbound edges come first, then nodes depending
// on them, etc. Ties preserve the declaration order of nodes.
func TopologicalOrder(nodes []string, edges []Edge) ([]string, error) {
	adjacency := make(map[string][]string)
	inDegree := make(map[string]int)

	for _, id := range nodes {
		inDegree[id] = 0
	}
	for _, e := range edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
	}

	// Kahn's algorithm; the queue is seeded in declaration order so
	// independent nodes execute in the order they were defined.
	var queue []string
	for _, id := range nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range adjacency[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(nodes) {
		return nil, fmt.Errorf("circular dependency detected in node graph")
	}
	return result, nil
}

// EntryNodes returns the nodes with no inbound edges, in declaration order.
// The first of them is the designated entry of the workflow.
func EntryNodes(nodes []string, edges []Edge) []string {
	inbound := make(map[string]int)
	for _, e := range edges {
		inbound[e.Target]++
	}
	var entries []string
	for _, id := range nodes {
		if inbound[id] == 0 {
			entries = append(entries, id)
		}
	}
	return entries
}

// Unreachable returns the nodes not reachable from the entry set. A
// non-empty result is a validation warning, not an error.
func Unreachable(nodes []string, edges []Edge) []string {
	adjacency := make(map[string][]string)
	for _, e := range edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	reached := make(map[string]bool)
	queue := EntryNodes(nodes, edges)
	for _, id := range queue {
		reached[id] = true
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[current] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for _, id := range nodes {
		if !reached[id] {
			unreachable = append(unreachable, id)
		}
	}
	return unreachable
}

// Upstream returns, per node id, the ids of its direct upstream nodes. A
// node with K inbound edges begins only when all K upstream nodes reached a
// terminal state.
func Upstream(edges []Edge) map[string][]string {
	upstream := make(map[string][]string)
	for _, e := range edges {
		upstream[e.Target] = append(upstream[e.Target], e.Source)
	}
	return upstream
}
