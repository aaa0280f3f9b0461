package workflow

import (
	"fmt"
)

// Graph is an index-based adjacency structure over a fixed node set.
// Node ids are resolved to indices once; traversal never touches strings.
type Graph struct {
	ids        []string
	index      map[string]int
	deps       [][]int
	dependents [][]int
	order      []int
}

// NewGraph validates nodes and builds the arena. It rejects empty or
// duplicate ids, unknown dependency ids and cycles (including self edges).
func NewGraph(nodes []Node) (*Graph, error) {
	g := &Graph{
		ids:        make([]string, len(nodes)),
		index:      make(map[string]int, len(nodes)),
		deps:       make([][]int, len(nodes)),
		dependents: make([][]int, len(nodes)),
	}

	for i, n := range nodes {
		if n.ID == "" {
			return nil, &InvalidGraphError{Reason: fmt.Sprintf("node at position %d has an empty id", i)}
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, &InvalidGraphError{Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		g.ids[i] = n.ID
		g.index[n.ID] = i
	}

	for i, n := range nodes {
		seen := make(map[int]bool, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, &UnknownDependencyError{Node: n.ID, Dependency: dep}
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}

	order, ok := g.kahn()
	if !ok {
		return nil, &CycleError{Nodes: g.findCycle()}
	}
	g.order = order
	return g, nil
}

// kahn returns a topological order, or false if some node is on a cycle.
// Ties are broken by input position so the order is stable.
func (g *Graph) kahn() ([]int, bool) {
	n := len(g.ids)
	indegree := make([]int, n)
	for i := range g.deps {
		indegree[i] = len(g.deps[i])
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, d := range g.dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	return order, len(order) == n
}

// findCycle returns the ids of one cycle, following dependency edges.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.ids))
	stack := make([]int, 0, len(g.ids))

	var cycle []string
	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = grey
		stack = append(stack, i)
		for _, d := range g.deps[i] {
			switch color[d] {
			case grey:
				for k := len(stack) - 1; k >= 0; k-- {
					if stack[k] == d {
						for _, idx := range stack[k:] {
							cycle = append(cycle, g.ids[idx])
						}
						return true
					}
				}
			case white:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return false
	}

	for i := range g.ids {
		if color[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.ids) }

// ID returns the id of node i.
func (g *Graph) ID(i int) string { return g.ids[i] }

// Index returns the index of id.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Dependencies returns the dependency indices of node i. Callers must not modify it.
func (g *Graph) Dependencies(i int) []int { return g.deps[i] }

// Dependents returns the indices of nodes that depend on node i.
func (g *Graph) Dependents(i int) []int { return g.dependents[i] }

// TopologicalOrder returns node ids in a dependency-respecting order.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.order))
	for k, i := range g.order {
		out[k] = g.ids[i]
	}
	return out
}

// Levels groups nodes into waves: every node in wave k depends only on
// nodes in waves < k. Nodes within a wave may run concurrently.
func (g *Graph) Levels() [][]string {
	level := make([]int, len(g.ids))
	maxLevel := -1
	for _, i := range g.order {
		l := 0
		for _, d := range g.deps[i] {
			if level[d]+1 > l {
				l = level[d] + 1
			}
		}
		level[i] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	waves := make([][]string, maxLevel+1)
	for i, l := range level {
		waves[l] = append(waves[l], g.ids[i])
	}
	return waves
}
