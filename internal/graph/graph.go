// Package graph builds the revision DAG and answers structural queries over
// it.
//
// Revisions are kept in a flat arena sorted by id. Parent and child links are
// arena indexes, so a built Graph is immutable and safe for concurrent
// read-only use.
package graph

import (
	"cmp"
	"fmt"
	"iter"
	"slices"

	"github.com/example/revmigrate/internal/revision"
)

type node struct {
	rev      revision.Revision
	parents  []int
	children []int
	depth    int
}

// Graph is a validated, acyclic revision graph with parent to child edges.
type Graph struct {
	nodes []node
	index map[string]int
	order []int // topological: ascending depth, then id
	heads []int
	roots []int
}

// Set is a set of revision ids.
type Set map[string]struct{}

// Has reports whether id is a member.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// BuildFrom drains a store discovery sequence and builds the graph.
func BuildFrom(seq iter.Seq2[revision.Revision, error]) (*Graph, error) {
	revs, err := revision.Collect(seq)
	if err != nil {
		return nil, err
	}
	return Build(revs)
}

// Build validates revs and returns the graph. Duplicate ids, unknown parents
// and cycles are all detected before the graph is returned; on error the
// returned graph is nil.
func Build(revs []revision.Revision) (*Graph, error) {
	sorted := slices.Clone(revs)
	slices.SortStableFunc(sorted, func(a, b revision.Revision) int {
		return cmp.Compare(a.ID, b.ID)
	})

	g := &Graph{
		nodes: make([]node, 0, len(sorted)),
		index: make(map[string]int, len(sorted)),
	}

	for _, rev := range sorted {
		if _, dup := g.index[rev.ID]; dup {
			return nil, &Error{Kind: KindDuplicate, Revision: rev.ID}
		}
		g.index[rev.ID] = len(g.nodes)
		g.nodes = append(g.nodes, node{rev: rev})
	}

	for i := range g.nodes {
		n := &g.nodes[i]
		for _, parentID := range n.rev.Parents {
			p, ok := g.index[parentID]
			if !ok {
				return nil, &Error{Kind: KindUnknownParent, Revision: n.rev.ID, Parent: parentID}
			}
			if slices.Contains(n.parents, p) {
				continue
			}
			n.parents = append(n.parents, p)
			g.nodes[p].children = append(g.nodes[p].children, i)
		}
	}

	if err := g.sort(); err != nil {
		return nil, err
	}

	for i := range g.nodes {
		if len(g.nodes[i].parents) == 0 {
			g.roots = append(g.roots, i)
		}
		if len(g.nodes[i].children) == 0 {
			g.heads = append(g.heads, i)
		}
	}

	return g, nil
}

// sort computes depths with Kahn's algorithm and fills the topological order.
// Nodes left unprocessed belong to or hang off a cycle.
func (g *Graph) sort() error {
	pending := make([]int, len(g.nodes))
	queue := make([]int, 0, len(g.nodes))
	for i := range g.nodes {
		pending[i] = len(g.nodes[i].parents)
		if pending[i] == 0 {
			queue = append(queue, i)
		}
	}

	processed := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		processed++
		for _, c := range g.nodes[i].children {
			g.nodes[c].depth = max(g.nodes[c].depth, g.nodes[i].depth+1)
			pending[c]--
			if pending[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	if processed < len(g.nodes) {
		cycle := g.cycleIDs(pending)
		return &Error{Kind: KindCycle, Revision: cycle[0], Cycle: cycle}
	}

	g.order = make([]int, len(g.nodes))
	for i := range g.order {
		g.order[i] = i
	}
	slices.SortStableFunc(g.order, func(a, b int) int {
		return cmp.Or(cmp.Compare(g.nodes[a].depth, g.nodes[b].depth), cmp.Compare(a, b))
	})
	return nil
}

// findCycle walks parent links through unprocessed nodes, starting at the
// lowest id, until a node repeats. Every unprocessed node has at least one
// unprocessed parent, so the walk always closes a loop.
func (g *Graph) findCycle(pending []int) []int {
	start := slices.IndexFunc(pending, func(p int) bool { return p > 0 })

	var path []int
	position := make(map[int]int)
	for i := start; ; {
		if at, seen := position[i]; seen {
			cycle := slices.Clone(path[at:])
			slices.Reverse(cycle)
			return cycle
		}
		position[i] = len(path)
		path = append(path, i)

		for _, p := range g.nodes[i].parents {
			if pending[p] > 0 {
				i = p
				break
			}
		}
	}
}

func (g *Graph) cycleIDs(pending []int) []string {
	cycle := g.findCycle(pending)
	ids := make([]string, len(cycle))
	for i, n := range cycle {
		ids[i] = g.nodes[n].rev.ID
	}
	return ids
}

// Len returns the number of revisions.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Has reports whether id is a revision of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Revision returns the revision with the given id.
func (g *Graph) Revision(id string) (revision.Revision, bool) {
	i, ok := g.index[id]
	if !ok {
		return revision.Revision{}, false
	}
	return g.nodes[i].rev, true
}

// Depth returns the length of the longest path from a root to id.
func (g *Graph) Depth(id string) (int, bool) {
	i, ok := g.index[id]
	if !ok {
		return 0, false
	}
	return g.nodes[i].depth, true
}

// Heads returns the ids of revisions without children, sorted ascending.
func (g *Graph) Heads() []string {
	return g.ids(g.heads)
}

// Roots returns the ids of revisions without parents, sorted ascending.
func (g *Graph) Roots() []string {
	return g.ids(g.roots)
}

// Parents returns the parent ids of id in declaration order.
func (g *Graph) Parents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.ids(g.nodes[i].parents)
}

// Children returns the child ids of id sorted ascending.
func (g *Graph) Children(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.ids(g.nodes[i].children)
}

// TopologicalOrder returns every id ordered by ascending depth, ties broken by
// ascending id. Parents always precede their children.
func (g *Graph) TopologicalOrder() []string {
	return g.ids(g.order)
}

// Edges returns every parent to child edge in topological order of the child.
func (g *Graph) Edges() [][2]string {
	var edges [][2]string
	for _, c := range g.order {
		for _, p := range g.nodes[c].parents {
			edges = append(edges, [2]string{g.nodes[p].rev.ID, g.nodes[c].rev.ID})
		}
	}
	return edges
}

// Ancestors returns a lazy breadth-first traversal over the proper ancestors
// of id. Each revision is visited once even when branches reconverge. The
// sequence is restartable and empty for unknown ids.
func (g *Graph) Ancestors(id string) iter.Seq[string] {
	return g.walk(id, func(n *node) []int { return n.parents })
}

// Descendants returns a lazy breadth-first traversal over the proper
// descendants of id, with the same guarantees as Ancestors.
func (g *Graph) Descendants(id string) iter.Seq[string] {
	return g.walk(id, func(n *node) []int { return n.children })
}

func (g *Graph) walk(id string, next func(*node) []int) iter.Seq[string] {
	return func(yield func(string) bool) {
		start, ok := g.index[id]
		if !ok {
			return
		}

		seen := make([]bool, len(g.nodes))
		seen[start] = true
		queue := []int{start}
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			for _, j := range next(&g.nodes[i]) {
				if seen[j] {
					continue
				}
				seen[j] = true
				if !yield(g.nodes[j].rev.ID) {
					return
				}
				queue = append(queue, j)
			}
		}
	}
}

// IsAncestor reports whether a is a proper ancestor of b.
func (g *Graph) IsAncestor(a, b string) bool {
	if a == b || !g.Has(a) {
		return false
	}
	for id := range g.Ancestors(b) {
		if id == a {
			return true
		}
	}
	return false
}

// Closure returns the given ids together with all of their ancestors. Unknown
// ids are ignored.
func (g *Graph) Closure(ids ...string) Set {
	set := make(Set)
	for _, id := range ids {
		if !g.Has(id) || set.Has(id) {
			continue
		}
		set[id] = struct{}{}
		for ancestor := range g.Ancestors(id) {
			set[ancestor] = struct{}{}
		}
	}
	return set
}

// LowestCommonAncestor returns the deepest revision that is an ancestor of, or
// equal to, both a and b. When several incomparable candidates share the
// greatest depth the lowest id wins. ok is false when the lineages are
// disjoint or either id is unknown.
func (g *Graph) LowestCommonAncestor(a, b string) (id string, ok bool) {
	if !g.Has(a) || !g.Has(b) {
		return "", false
	}

	left := g.Closure(a)
	best := -1
	for candidate := range g.Closure(b) {
		if !left.Has(candidate) {
			continue
		}
		i := g.index[candidate]
		if best < 0 || g.nodes[i].depth > g.nodes[best].depth ||
			(g.nodes[i].depth == g.nodes[best].depth && i < best) {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return g.nodes[best].rev.ID, true
}

// Sequence returns, in topological order, the revisions needed to go from
// base to target: target and its ancestors that are not ancestors of base,
// with base itself included. An empty base means the start of history. It
// fails with ErrNoPath when base is not an ancestor of, or equal to, target.
func (g *Graph) Sequence(base, target string) ([]string, error) {
	if !g.Has(target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, target)
	}
	if base != "" && !g.Has(base) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, base)
	}

	wanted := g.Closure(target)
	if base != "" {
		if !wanted.Has(base) {
			return nil, fmt.Errorf("%w: %s is not reachable from %s", ErrNoPath, target, base)
		}
		for ancestor := range g.Ancestors(base) {
			delete(wanted, ancestor)
		}
	}

	seq := make([]string, 0, len(wanted))
	for _, i := range g.order {
		if wanted.Has(g.nodes[i].rev.ID) {
			seq = append(seq, g.nodes[i].rev.ID)
		}
	}
	return seq, nil
}

// Sorted orders ids topologically, ties broken by ascending id. Unknown ids
// are dropped.
func (g *Graph) Sorted(ids Set) []string {
	out := make([]string, 0, len(ids))
	for _, i := range g.order {
		if ids.Has(g.nodes[i].rev.ID) {
			out = append(out, g.nodes[i].rev.ID)
		}
	}
	return out
}

func (g *Graph) ids(indexes []int) []string {
	ids := make([]string, len(indexes))
	for i, n := range indexes {
		ids[i] = g.nodes[n].rev.ID
	}
	return ids
}
