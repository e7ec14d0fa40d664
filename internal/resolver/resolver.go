// Package resolver computes the ordered steps that move a database from its
// applied revisions to a requested target.
//
// Resolution works on ancestor closures. Let A be the closure of the applied
// revisions and D the closure of the targets. Everything in A but not in D is
// downgraded, deepest first. Everything in D but not in A is upgraded in
// topological order. Within one depth, ties are broken by ascending revision
// id in both directions, so identical inputs always produce identical plans.
package resolver

import (
	"cmp"
	"slices"
	"strings"

	"github.com/example/revmigrate/internal/graph"
	"github.com/example/revmigrate/internal/revision"
)

// Target aliases.
const (
	// Head names the single head of the graph.
	Head = "head"
	// Base names the empty state: every applied revision is downgraded.
	Base = "base"
)

// Step is one planned procedure invocation.
type Step struct {
	Revision  revision.Revision
	Direction revision.Direction
}

// String returns "<direction> <id>".
func (s Step) String() string {
	return s.Direction.String() + " " + s.Revision.ID
}

// Plan is the ordered result of a resolution.
type Plan struct {
	Steps []Step
	// Current is the closure of the applied revisions in topological order.
	Current []string
	// Targets are the requested revisions with aliases expanded.
	Targets []string
	// JoinPoints are the common ancestors where downgraded branches meet the
	// target lineage.
	JoinPoints []string
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Steps) == 0
}

// String renders the steps separated by commas.
func (p Plan) String() string {
	parts := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		parts[i] = step.String()
	}
	return strings.Join(parts, ", ")
}

// Count returns the number of steps in dir.
func (p Plan) Count(dir revision.Direction) int {
	n := 0
	for _, step := range p.Steps {
		if step.Direction == dir {
			n++
		}
	}
	return n
}

// Resolve plans the move from current to a single target.
func Resolve(g *graph.Graph, current []string, target string) (Plan, error) {
	return ResolveAll(g, current, []string{target})
}

// ResolveAll plans the move from current to the union of targets. current may
// hold only heads or the full applied set; both resolve the same way.
//
// A merge whose parent branches are partly applied is only upgraded when
// every untouched parent branch is requested explicitly, through a target
// that reaches that parent without passing the merge. Otherwise the result is
// an AmbiguousPath error naming the missing parents.
func ResolveAll(g *graph.Graph, current []string, targets []string) (Plan, error) {
	for _, id := range sortedUnique(current) {
		if !g.Has(id) {
			return Plan{}, &Error{Kind: KindStateMismatch, Revision: id}
		}
	}

	resolved, err := expandTargets(g, targets)
	if err != nil {
		return Plan{}, err
	}

	applied := g.Closure(current...)
	desired := g.Closure(resolved...)

	joins, err := joinPoints(g, applied, desired, resolved)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Current:    g.Sorted(applied),
		Targets:    resolved,
		JoinPoints: joins,
	}

	for _, id := range downgrades(g, applied, desired) {
		rev, _ := g.Revision(id)
		plan.Steps = append(plan.Steps, Step{Revision: rev, Direction: revision.Downgrade})
	}

	kept := make(graph.Set)
	pending := make(graph.Set)
	for id := range desired {
		if applied.Has(id) {
			kept[id] = struct{}{}
		} else {
			pending[id] = struct{}{}
		}
	}

	for _, id := range g.Sorted(pending) {
		if err := checkMerge(g, id, kept, resolved); err != nil {
			return Plan{}, err
		}
		rev, _ := g.Revision(id)
		plan.Steps = append(plan.Steps, Step{Revision: rev, Direction: revision.Upgrade})
	}

	return plan, nil
}

func expandTargets(g *graph.Graph, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, &Error{Kind: KindUnknownTarget}
	}

	var resolved []string
	for _, target := range targets {
		switch target {
		case Base:
			continue
		case Head:
			heads := g.Heads()
			if len(heads) > 1 {
				return nil, &Error{Kind: KindAmbiguousPath, Target: Head, Candidates: heads}
			}
			resolved = append(resolved, heads...)
		default:
			if !g.Has(target) {
				return nil, &Error{Kind: KindUnknownTarget, Target: target}
			}
			resolved = append(resolved, target)
		}
	}
	return sortedUnique(resolved), nil
}

// joinPoints finds, for every applied head that is not kept, the lowest common
// ancestor with some target. A head without one cannot be walked back to the
// target lineage.
func joinPoints(g *graph.Graph, applied, desired graph.Set, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	joins := make(graph.Set)
	for _, head := range appliedHeads(g, applied) {
		if desired.Has(head) {
			continue
		}
		joined := false
		for _, target := range targets {
			if lca, ok := g.LowestCommonAncestor(head, target); ok {
				joins[lca] = struct{}{}
				joined = true
			}
		}
		if !joined {
			return nil, &Error{Kind: KindUnreachableTarget, Revision: head, Target: strings.Join(targets, ", ")}
		}
	}
	return g.Sorted(joins), nil
}

// appliedHeads returns the members of applied with no child in applied.
func appliedHeads(g *graph.Graph, applied graph.Set) []string {
	var heads []string
	for _, id := range g.Sorted(applied) {
		isHead := true
		for _, child := range g.Children(id) {
			if applied.Has(child) {
				isHead = false
				break
			}
		}
		if isHead {
			heads = append(heads, id)
		}
	}
	return heads
}

// downgrades returns applied revisions outside desired, deepest first with
// ascending ids inside a depth.
func downgrades(g *graph.Graph, applied, desired graph.Set) []string {
	var ids []string
	for id := range applied {
		if !desired.Has(id) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		da, _ := g.Depth(a)
		db, _ := g.Depth(b)
		return cmp.Or(cmp.Compare(db, da), cmp.Compare(a, b))
	})
	return ids
}

// checkMerge enforces the explicit-branch rule for merge revisions. Each
// parent owns the part of its closure not shared by all parents. A branch is
// active when some of it stays applied and untouched when none of it does.
// Mixing active and untouched branches requires every untouched parent to be
// requested.
func checkMerge(g *graph.Graph, id string, kept graph.Set, targets []string) error {
	parents := g.Parents(id)
	if len(parents) < 2 {
		return nil
	}

	closures := make([]graph.Set, len(parents))
	for i, parent := range parents {
		closures[i] = g.Closure(parent)
	}

	var untouched []string
	active := false
	for i, parent := range parents {
		branch := 0
		touched := false
		for member := range closures[i] {
			if sharedByAll(closures, member) {
				continue
			}
			branch++
			if kept.Has(member) {
				touched = true
			}
		}
		switch {
		case branch == 0 || touched:
			active = active || touched
		default:
			untouched = append(untouched, parent)
		}
	}

	if !active || len(untouched) == 0 {
		return nil
	}

	var missing []string
	for _, parent := range untouched {
		if !requested(g, parent, id, targets) {
			missing = append(missing, parent)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return &Error{Kind: KindAmbiguousPath, Revision: id, Candidates: missing}
	}
	return nil
}

func sharedByAll(closures []graph.Set, id string) bool {
	for _, c := range closures {
		if !c.Has(id) {
			return false
		}
	}
	return true
}

// requested reports whether some target reaches parent without going through
// merge.
func requested(g *graph.Graph, parent, merge string, targets []string) bool {
	for _, target := range targets {
		closure := g.Closure(target)
		if closure.Has(parent) && !closure.Has(merge) {
			return true
		}
	}
	return false
}

func sortedUnique(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
