package engine

import (
	"cmp"
	"context"
	"slices"

	"github.com/example/revmigrate/internal/graph"
	"github.com/example/revmigrate/internal/logging"
	"github.com/example/revmigrate/internal/resolver"
	"github.com/example/revmigrate/internal/state"
)

// Drift is an applied revision whose scripts changed since it was applied.
type Drift struct {
	Revision string
	Recorded string
	Current  string
}

// Status summarises a database against the revision graph.
type Status struct {
	Applied []state.Row
	// AppliedHeads are the applied revisions with no applied child.
	AppliedHeads []string
	// Heads are the heads of the graph.
	Heads []string
	// Pending are the steps that would bring the database to every head.
	// It is empty when PendingErr explains why no plan exists.
	Pending    []resolver.Step
	PendingErr error
	// Unknown lists applied ids missing from the graph.
	Unknown []string
	Drift   []Drift
}

// UpToDate reports whether nothing is pending and the state is consistent.
func (s Status) UpToDate() bool {
	return len(s.Pending) == 0 && s.PendingErr == nil && len(s.Unknown) == 0
}

// Status reads the persisted state without taking the lock.
func (e *Engine) Status(ctx context.Context, g *graph.Graph) (Status, error) {
	logger := logging.Component(ctx, e.logger, "engine", "status")

	rows, err := e.tracker.Rows(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{Applied: rows, Heads: g.Heads()}
	applied := make(graph.Set, len(rows))
	for _, row := range rows {
		rev, ok := g.Revision(row.RevisionID)
		if !ok {
			st.Unknown = append(st.Unknown, row.RevisionID)
			continue
		}
		applied[row.RevisionID] = struct{}{}
		if rev.Checksum != "" && row.Checksum != "" && rev.Checksum != row.Checksum {
			st.Drift = append(st.Drift, Drift{Revision: rev.ID, Recorded: row.Checksum, Current: rev.Checksum})
		}
	}
	slices.Sort(st.Unknown)
	slices.SortFunc(st.Drift, func(a, b Drift) int {
		return cmp.Compare(a.Revision, b.Revision)
	})

	for _, id := range g.Sorted(applied) {
		head := true
		for _, child := range g.Children(id) {
			if applied.Has(child) {
				head = false
				break
			}
		}
		if head {
			st.AppliedHeads = append(st.AppliedHeads, id)
		}
	}

	switch {
	case len(st.Unknown) > 0:
		st.PendingErr = &resolver.Error{Kind: resolver.KindStateMismatch, Revision: st.Unknown[0]}
	case g.Len() > 0:
		plan, err := resolver.ResolveAll(g, applied.Sorted(), st.Heads)
		if err != nil {
			st.PendingErr = err
		} else {
			st.Pending = plan.Steps
		}
	}

	logger.Debug("status computed", "applied", len(rows), "pending", len(st.Pending), "drift", len(st.Drift))
	return st, nil
}
