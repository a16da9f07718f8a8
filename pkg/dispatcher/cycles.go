package dispatcher

import (
	"slices"
	"strings"
)

// DetectCycles returns the dependency cycles in graph, where graph maps a
// task id to the ids it depends on. A cycle is reported as the sorted ids of
// one strongly connected component: every task that can reach itself through
// its dependencies appears in exactly one of them. Components are ordered by
// their first id. The walk is Tarjan's algorithm with an explicit stack.
func DetectCycles(graph map[string][]string) [][]string {
	type frame struct {
		node string
		next int // index of the next dependency to visit
	}

	var (
		index   = make(map[string]int)
		low     = make(map[string]int)
		onStack = make(map[string]bool)
		stack   []string
		counter int
		cycles  [][]string
	)
	visit := func(n string) {
		index[n] = counter
		low[n] = counter
		counter++
		stack = append(stack, n)
		onStack[n] = true
	}

	roots := make([]string, 0, len(graph))
	for id := range graph {
		roots = append(roots, id)
	}
	slices.Sort(roots)

	for _, root := range roots {
		if _, seen := index[root]; seen {
			continue
		}
		visit(root)
		work := []frame{{node: root}}

		for len(work) > 0 {
			top := &work[len(work)-1]
			deps := graph[top.node]
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				if _, seen := index[dep]; !seen {
					visit(dep)
					work = append(work, frame{node: dep})
				} else if onStack[dep] {
					low[top.node] = min(low[top.node], index[dep])
				}
				continue
			}

			node := top.node
			work = work[:len(work)-1]
			if len(work) > 0 {
				parent := work[len(work)-1].node
				low[parent] = min(low[parent], low[node])
			}
			if low[node] != index[node] {
				continue
			}

			var comp []string
			for {
				n := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[n] = false
				comp = append(comp, n)
				if n == node {
					break
				}
			}
			if len(comp) > 1 || slices.Contains(graph[node], node) {
				slices.Sort(comp)
				cycles = append(cycles, comp)
			}
		}
	}

	slices.SortFunc(cycles, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return cycles
}
