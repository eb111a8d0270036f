package model

import (
	"fmt"
	"sort"
)

// Node is one instruction in dependency form: the values it reads and the
// values it writes.
type Node struct {
	ID     int
	Reads  []int
	Writes []int
}

// Graph is the producer/consumer graph of a method's instructions. The
// compiler builds one per method to order instructions and derive tensor
// lifetimes.
type Graph struct {
	Nodes []Node
}

// NodeCount returns the number of nodes in the graph
func (g *Graph) NodeCount() int {
	return len(g.Nodes)
}

// Validate checks graph consistency: unique node ids and a single producer
// per value.
func (g *Graph) Validate() error {
	ids := make(map[int]bool, len(g.Nodes))
	producers := make(map[int]int)
	for _, node := range g.Nodes {
		if ids[node.ID] {
			return fmt.Errorf("duplicate node ID: %d", node.ID)
		}
		ids[node.ID] = true

		for _, v := range node.Writes {
			if prev, ok := producers[v]; ok {
				return fmt.Errorf("value %d written by nodes %d and %d", v, prev, node.ID)
			}
			producers[v] = node.ID
		}
	}
	return nil
}

// Order returns node ids in an execution order where every producer precedes
// its consumers. Among ready nodes the lowest id goes first, so the order is
// deterministic and preserves source order where dependencies allow.
func (g *Graph) Order() ([]int, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	producer := make(map[int]int)
	for _, node := range g.Nodes {
		for _, v := range node.Writes {
			producer[v] = node.ID
		}
	}

	// Build dependency graph
	adj := make(map[int][]int)
	inDegree := make(map[int]int, len(g.Nodes))
	for _, node := range g.Nodes {
		if _, exists := inDegree[node.ID]; !exists {
			inDegree[node.ID] = 0
		}
		seen := make(map[int]bool)
		for _, v := range node.Reads {
			dep, ok := producer[v]
			if !ok || dep == node.ID || seen[dep] {
				continue
			}
			seen[dep] = true
			adj[dep] = append(adj[dep], node.ID)
			inDegree[node.ID]++
		}
	}

	// Kahn's algorithm for topological sort
	queue := make([]int, 0)
	for nodeID, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, nodeID)
		}
	}
	sort.Ints(queue)

	order := make([]int, 0, len(g.Nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, neighbor := range adj[current] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
				sort.Ints(queue)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("graph has a cycle: ordered %d of %d nodes", len(order), len(g.Nodes))
	}
	return order, nil
}

// Lifetimes returns, for every value touched by the graph, the positions in
// order of its first write and last use. Values that are only read start at
// position 0.
func (g *Graph) Lifetimes(order []int) map[int][2]int {
	byID := make(map[int]*Node, len(g.Nodes))
	for i := range g.Nodes {
		byID[g.Nodes[i].ID] = &g.Nodes[i]
	}

	spans := make(map[int][2]int)
	touch := func(v, pos int, write bool) {
		span, ok := spans[v]
		if !ok {
			start := 0
			if write {
				start = pos
			}
			spans[v] = [2]int{start, pos}
			return
		}
		if pos > span[1] {
			span[1] = pos
		}
		spans[v] = span
	}
	for pos, id := range order {
		node := byID[id]
		for _, v := range node.Reads {
			touch(v, pos, false)
		}
		for _, v := range node.Writes {
			touch(v, pos, true)
		}
	}
	return spans
}
