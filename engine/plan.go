package engine

import (
	"sort"

	"github.com/samber/lo"

	"github.com/strahe/assessor-sync/models"
)

// group is a strongly connected set of mappings written together. Acyclic groups hold
// exactly one mapping.
type group struct {
	mappings []*models.TableMapping
	cyclic   bool
	// deferred lists, per mapping name, the target columns written as NULL on the
	// first pass and filled in by the fixup pass.
	deferred map[string][]string
}

func (g group) names() []string {
	return lo.Map(g.mappings, func(m *models.TableMapping, _ int) string { return m.Name })
}

// planLevels orders mappings parents first. Mappings on the same level do not depend
// on each other and may run concurrently.
func planLevels(ms []*models.TableMapping) [][]group {
	byName := make(map[string]int, len(ms))
	for i, m := range ms {
		byName[m.Name] = i
	}
	resolve := func(table string) (int, bool) {
		if i, ok := byName[table]; ok {
			return i, true
		}
		for i, m := range ms {
			if m.Target() == table || m.SourceTable == table {
				return i, true
			}
		}
		return 0, false
	}

	// edges point from parent to child
	edges := make([][]int, len(ms))
	selfLoop := make([]bool, len(ms))
	for child, m := range ms {
		for _, p := range m.Parents() {
			parent, ok := resolve(p)
			if !ok {
				continue
			}
			if parent == child {
				selfLoop[child] = true
				continue
			}
			edges[parent] = append(edges[parent], child)
		}
	}

	comps, compOf := tarjan(len(ms), edges)

	// condensed graph
	indeg := make([]int, len(comps))
	succ := make([]map[int]bool, len(comps))
	for i := range succ {
		succ[i] = map[int]bool{}
	}
	for from, tos := range edges {
		for _, to := range tos {
			a, b := compOf[from], compOf[to]
			if a != b && !succ[a][b] {
				succ[a][b] = true
				indeg[b]++
			}
		}
	}

	mkGroup := func(c int) group {
		members := append([]int(nil), comps[c]...)
		sort.Slice(members, func(i, j int) bool { return ms[members[i]].Name < ms[members[j]].Name })
		g := group{}
		inComp := map[int]bool{}
		for _, i := range members {
			g.mappings = append(g.mappings, ms[i])
			inComp[i] = true
		}
		g.cyclic = len(members) > 1 || selfLoop[members[0]]
		if !g.cyclic {
			return g
		}
		g.deferred = map[string][]string{}
		for _, i := range members {
			for _, f := range ms[i].Fields {
				if p, ok := resolve(f.ReferencedTable()); ok && inComp[p] && f.References != "" {
					g.deferred[ms[i].Name] = append(g.deferred[ms[i].Name], f.TargetName)
				}
			}
		}
		return g
	}

	var levels [][]group
	var ready []int
	for c := range comps {
		if indeg[c] == 0 {
			ready = append(ready, c)
		}
	}
	for len(ready) > 0 {
		level := lo.Map(ready, func(c int, _ int) group { return mkGroup(c) })
		sort.Slice(level, func(i, j int) bool { return level[i].mappings[0].Name < level[j].mappings[0].Name })
		levels = append(levels, level)

		var next []int
		for _, c := range ready {
			for s := range succ[c] {
				indeg[s]--
				if indeg[s] == 0 {
					next = append(next, s)
				}
			}
		}
		ready = next
	}
	return levels
}

// tarjan returns the strongly connected components of the graph and the component
// index of every node.
func tarjan(n int, edges [][]int) ([][]int, []int) {
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	compOf := make([]int, n)
	for i := range index {
		index[i] = -1
	}
	var (
		stack []int
		comps [][]int
		next  int
	)
	var visit func(v int)
	visit = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range edges[v] {
			if index[w] == -1 {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var comp []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			compOf[w] = len(comps)
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		comps = append(comps, comp)
	}
	for v := 0; v < n; v++ {
		if index[v] == -1 {
			visit(v)
		}
	}
	return comps, compOf
}
