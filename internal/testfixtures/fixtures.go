package testfixtures

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/example/revmigrate/internal/graph"
	"github.com/example/revmigrate/internal/revision"
)

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// ----------------------------- Revision fixtures -----------------------------

// Noop returns a procedure that does nothing.
func Noop() revision.Procedure {
	return revision.ProcedureFunc(func(context.Context, revision.Executor, revision.Direction) error {
		return nil
	})
}

// Rev builds an in-memory revision with a no-op procedure.
func Rev(id string, parents ...string) revision.Revision {
	return revision.Revision{ID: id, Parents: parents, Procedure: Noop(), Source: "fixture"}
}

// Linear returns a chain where each revision is the parent of the next.
func Linear(ids ...string) []revision.Revision {
	revs := make([]revision.Revision, len(ids))
	for i, id := range ids {
		if i == 0 {
			revs[i] = Rev(id)
			continue
		}
		revs[i] = Rev(id, ids[i-1])
	}
	return revs
}

// Diamond returns R -> X, R -> Y, {X, Y} -> M.
func Diamond() []revision.Revision {
	return []revision.Revision{
		Rev("R"),
		Rev("X", "R"),
		Rev("Y", "R"),
		Rev("M", "X", "Y"),
	}
}

// MustGraph builds a graph or fails the test.
func MustGraph(tb testing.TB, revs ...revision.Revision) *graph.Graph {
	tb.Helper()
	g, err := graph.Build(revs)
	if err != nil {
		tb.Fatalf("failed to build graph: %v", err)
	}
	return g
}

// DAG draws a random acyclic revision set. Revision i may only have parents
// with a smaller index, which rules out cycles by construction.
func DAG() *rapid.Generator[[]revision.Revision] {
	return rapid.Custom(func(t *rapid.T) []revision.Revision {
		n := rapid.IntRange(1, 12).Draw(t, "size")
		revs := make([]revision.Revision, n)
		for i := range n {
			id := fmt.Sprintf("r%02d", i)
			var parents []string
			if i > 0 {
				count := rapid.IntRange(0, min(i, 3)).Draw(t, "parents_"+id)
				picked := make(map[int]struct{}, count)
				for range count {
					picked[rapid.IntRange(0, i-1).Draw(t, "parent_"+id)] = struct{}{}
				}
				for p := range picked {
					parents = append(parents, fmt.Sprintf("r%02d", p))
				}
				slices.Sort(parents)
			}
			revs[i] = Rev(id, parents...)
		}
		return revs
	})
}

// ----------------------------- Procedure fixtures -----------------------------

// Entry is one procedure invocation recorded by a Journal.
type Entry struct {
	ID        string
	Direction revision.Direction
}

// Journal records procedure invocations and injects failures.
type Journal struct {
	mu       sync.Mutex
	entries  []Entry
	failures map[Entry]error
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{failures: make(map[Entry]error)}
}

// FailOn makes the procedure of id fail with err when run in dir.
func (j *Journal) FailOn(id string, dir revision.Direction, err error) {
	j.mu.Lock()
	j.failures[Entry{ID: id, Direction: dir}] = err
	j.mu.Unlock()
}

// Clear removes all injected failures.
func (j *Journal) Clear() {
	j.mu.Lock()
	clear(j.failures)
	j.mu.Unlock()
}

// Entries returns the invocations recorded so far.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

// Wrap records invocations of inner under id. A nil inner behaves like Noop.
func (j *Journal) Wrap(id string, inner revision.Procedure) revision.Procedure {
	return revision.ProcedureFunc(func(ctx context.Context, exec revision.Executor, dir revision.Direction) error {
		entry := Entry{ID: id, Direction: dir}

		j.mu.Lock()
		j.entries = append(j.entries, entry)
		failure := j.failures[entry]
		j.mu.Unlock()

		if inner != nil {
			if err := inner.Apply(ctx, exec, dir); err != nil {
				return err
			}
		}
		return failure
	})
}

// Track wraps the procedure of every revision in revs.
func (j *Journal) Track(revs []revision.Revision) []revision.Revision {
	out := make([]revision.Revision, len(revs))
	for i, rev := range revs {
		rev.Procedure = j.Wrap(rev.ID, rev.Procedure)
		out[i] = rev
	}
	return out
}

// TableProcedure creates a table named after id on upgrade and drops it on
// downgrade, so tests can observe which schema changes committed.
func TableProcedure(id string) revision.SQLProcedure {
	return revision.SQLProcedure{
		Deploy: fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY);", TableName(id)),
		Revert: fmt.Sprintf("DROP TABLE %s;", TableName(id)),
	}
}

// TableName returns the table created by TableProcedure for id.
func TableName(id string) string {
	return "rev_" + id
}

// WithTables replaces every procedure in revs with a TableProcedure.
func WithTables(revs []revision.Revision) []revision.Revision {
	out := make([]revision.Revision, len(revs))
	for i, rev := range revs {
		rev.Procedure = TableProcedure(rev.ID)
		out[i] = rev
	}
	return out
}
