package queue

import (
	"slices"
	"strings"
)

// DependencyGraph maps operation id -> ids it depends on.
type DependencyGraph map[string][]string

// Cycle is one strongly connected group of operations that depend on
// each other. Path is a concrete loop through it, starting and ending at
// the same id (["a", "b", "a"]); a self-loop is [id, id].
type Cycle struct {
	Members []string
	Path    []string
}

// FindCycles returns every dependency cycle in graph, sorted by first
// member for stable reporting.
//
// The algorithm:
//  1. Use Tarjan's algorithm to find strongly connected components
//  2. Report each SCC with size > 1, or with a self-loop, as a cycle
func FindCycles(graph DependencyGraph) []Cycle {
	var cycles []Cycle
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			slices.Sort(scc)
			cycles = append(cycles, Cycle{Members: scc, Path: reconstructCyclePath(scc, graph)})
		}
	}
	slices.SortFunc(cycles, func(a, b Cycle) int {
		return strings.Compare(a.Members[0], b.Members[0])
	})
	return cycles
}

// CycleMembers returns id -> cycle for every id on some cycle.
func CycleMembers(graph DependencyGraph) map[string]Cycle {
	members := make(map[string]Cycle)
	for _, c := range FindCycles(graph) {
		for _, id := range c.Members {
			members[id] = c
		}
	}
	return members
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph DependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Nodes are visited in sorted order so results are deterministic.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph DependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// reconstructCyclePath builds the shortest loop from the first SCC member
// back to itself, staying inside the SCC (breadth-first).
func reconstructCyclePath(scc []string, graph DependencyGraph) []string {
	start := scc[0]
	if len(scc) == 1 {
		return []string{start, start}
	}

	sccSet := make(map[string]bool, len(scc))
	for _, node := range scc {
		sccSet[node] = true
	}

	parent := map[string]string{}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, neighbor := range graph[current] {
			if !sccSet[neighbor] {
				continue
			}
			if neighbor == start {
				path := []string{start}
				for n := current; n != start; n = parent[n] {
					path = append(path, n)
				}
				path = append(path, start)
				slices.Reverse(path)
				return path
			}
			if _, seen := parent[neighbor]; !seen {
				parent[neighbor] = current
				queue = append(queue, neighbor)
			}
		}
	}
	// Unreachable for a real SCC.
	return append(slices.Clone(scc), start)
}

func formatPath(path []string) string {
	return strings.Join(path, " -> ")
}
