// Package state persists which revisions are applied to a database and guards
// migration runs with a database-scoped lock.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/example/revmigrate/internal/revision"
)

// DefaultStateTable is the table holding one row per applied revision.
const DefaultStateTable = "revision_state"

// Row is one persisted state entry.
type Row struct {
	RevisionID string
	AppliedAt  time.Time
	Checksum   string
}

// Tracker reads and writes the applied revision set. Mutations take the
// executor of the step's unit of work so state and schema commit together.
type Tracker interface {
	// Ensure creates the state table if needed.
	Ensure(ctx context.Context) error
	// Read returns the applied revision ids in ascending order. A database
	// without a state table yields an empty set.
	Read(ctx context.Context) ([]string, error)
	// Rows returns the applied revisions with their metadata.
	Rows(ctx context.Context) ([]Row, error)
	// Include marks rev as applied.
	Include(ctx context.Context, exec revision.Executor, rev revision.Revision) error
	// Exclude marks id as no longer applied.
	Exclude(ctx context.Context, exec revision.Executor, id string) error
	// Write replaces the whole applied set.
	Write(ctx context.Context, exec revision.Executor, ids []string) error
}

// SQLTracker stores state in a table of the managed database.
type SQLTracker struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
}

// TrackerOption customises an SQLTracker.
type TrackerOption func(*SQLTracker)

// WithTable overrides the state table name.
func WithTable(name string) TrackerOption {
	return func(t *SQLTracker) { t.table = name }
}

// WithClock overrides the time source used for applied_at.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *SQLTracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewSQLTracker returns a tracker for db.
func NewSQLTracker(db *sql.DB, dialect Dialect, opts ...TrackerOption) (*SQLTracker, error) {
	t := &SQLTracker{
		db:      db,
		dialect: dialect,
		table:   DefaultStateTable,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := ValidateTableName(t.table); err != nil {
		return nil, err
	}
	return t, nil
}

// Table returns the state table name.
func (t *SQLTracker) Table() string {
	return t.table
}

// Ensure creates the state table if it doesn't exist
func (t *SQLTracker) Ensure(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	revision_id TEXT PRIMARY KEY,
	applied_at %s NOT NULL,
	checksum TEXT NOT NULL DEFAULT ''
)`, t.table, t.dialect.timeColumn())

	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return NewDatabaseError("create state table", query, err)
	}
	return nil
}

func (t *SQLTracker) exists(ctx context.Context) (bool, error) {
	query := t.dialect.tableExistsQuery()
	var count int
	if err := t.db.QueryRowContext(ctx, query, t.table).Scan(&count); err != nil {
		return false, NewDatabaseError("check state table", query, err)
	}
	return count > 0, nil
}

// Read returns the applied revision ids in ascending order
func (t *SQLTracker) Read(ctx context.Context) ([]string, error) {
	rows, err := t.Rows(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.RevisionID
	}
	slices.Sort(ids)
	return ids, nil
}

// Rows returns applied revisions ordered by application time
func (t *SQLTracker) Rows(ctx context.Context) ([]Row, error) {
	ok, err := t.exists(ctx)
	if err != nil || !ok {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT revision_id, applied_at, checksum FROM %s ORDER BY applied_at, revision_id`, t.table)
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewDatabaseError("read state", query, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row       Row
			appliedAt any
		)
		if err := rows.Scan(&row.RevisionID, &appliedAt, &row.Checksum); err != nil {
			return nil, NewDatabaseError("scan state row", query, err)
		}
		if row.AppliedAt, err = parseTime(appliedAt); err != nil {
			return nil, NewDatabaseError("parse applied_at", query, fmt.Errorf("revision %s: %w", row.RevisionID, err))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, NewDatabaseError("iterate state rows", query, err)
	}
	return out, nil
}

// Include records rev as applied within the caller's unit of work
func (t *SQLTracker) Include(ctx context.Context, exec revision.Executor, rev revision.Revision) error {
	query := fmt.Sprintf(`INSERT INTO %s (revision_id, applied_at, checksum) VALUES (%s, %s, %s)`,
		t.table, t.dialect.placeholder(1), t.dialect.placeholder(2), t.dialect.placeholder(3))

	if _, err := exec.ExecContext(ctx, query, rev.ID, t.dialect.timeValue(t.now()), rev.Checksum); err != nil {
		return NewDatabaseError("include "+rev.ID, query, err)
	}
	return nil
}

// Exclude removes the state row of id within the caller's unit of work
func (t *SQLTracker) Exclude(ctx context.Context, exec revision.Executor, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE revision_id = %s`, t.table, t.dialect.placeholder(1))

	res, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewDatabaseError("exclude "+id, query, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return NewDatabaseError("exclude "+id, query, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotApplied, id)
	}
	return nil
}

// Write replaces the persisted set with ids
func (t *SQLTracker) Write(ctx context.Context, exec revision.Executor, ids []string) error {
	query := fmt.Sprintf(`DELETE FROM %s`, t.table)
	if _, err := exec.ExecContext(ctx, query); err != nil {
		return NewDatabaseError("clear state", query, err)
	}

	for _, id := range slices.Compact(slices.Sorted(slices.Values(ids))) {
		if err := t.Include(ctx, exec, revision.Revision{ID: id}); err != nil {
			return err
		}
	}
	return nil
}
