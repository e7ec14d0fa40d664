package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/example/revmigrate/internal/persistence"
)

// DefaultLockTable is the table used by TableLocker.
const DefaultLockTable = "revision_lock"

// Lock is a held migration lock.
type Lock interface {
	// Owner returns the token identifying this holder.
	Owner() string
	// Release gives the lock up. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Locker acquires the database-scoped migration lock. Acquire never waits
// for a holder to finish: contention fails at once with a *LockError.
type Locker interface {
	Acquire(ctx context.Context) (Lock, error)
	// ForceUnlock clears a lock left behind by a crashed run.
	ForceUnlock(ctx context.Context) error
}

// NewLocker returns the locker suited to dialect. table names the lock table
// for SQLite and seeds the advisory key for Postgres.
func NewLocker(db *sql.DB, dialect Dialect, table string, now func() time.Time) (Locker, error) {
	if dialect == Postgres {
		return NewAdvisoryLocker(db, table)
	}
	return NewTableLocker(db, dialect, table, now)
}

// ----------------------------- Table lock -----------------------------

// TableLocker keeps a single-row lock table. The row survives crashes, which
// keeps a half-finished run from being silently overlapped until an operator
// calls ForceUnlock.
type TableLocker struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
}

// NewTableLocker returns a row-based locker.
func NewTableLocker(db *sql.DB, dialect Dialect, table string, now func() time.Time) (*TableLocker, error) {
	if table == "" {
		table = DefaultLockTable
	}
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &TableLocker{db: db, dialect: dialect, table: table, now: now}, nil
}

func (l *TableLocker) ensure(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY,
	owner TEXT NOT NULL,
	acquired_at %s NOT NULL
)`, l.table, l.dialect.timeColumn())

	if _, err := l.db.ExecContext(ctx, query); err != nil {
		if persistence.IsBusy(err) {
			return &LockError{Table: l.table, Err: err}
		}
		return NewDatabaseError("create lock table", query, err)
	}
	return nil
}

// Acquire inserts the lock row or reports the current holder
func (l *TableLocker) Acquire(ctx context.Context) (Lock, error) {
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}

	owner := uuid.NewString()
	query := fmt.Sprintf(`INSERT INTO %s (id, owner, acquired_at) VALUES (1, %s, %s) ON CONFLICT (id) DO NOTHING`,
		l.table, l.dialect.placeholder(1), l.dialect.placeholder(2))

	res, err := l.db.ExecContext(ctx, query, owner, l.dialect.timeValue(l.now()))
	if err != nil {
		if persistence.IsBusy(err) {
			return nil, &LockError{Table: l.table, Err: err}
		}
		return nil, NewDatabaseError("acquire lock", query, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, NewDatabaseError("acquire lock", query, err)
	}
	if n == 0 {
		lockErr := &LockError{Table: l.table}
		if holder, since, ok, err := l.Holder(ctx); err == nil && ok {
			lockErr.Holder, lockErr.Since = holder, since
		}
		return nil, lockErr
	}

	return &tableLock{locker: l, owner: owner}, nil
}

// Holder returns the current lock owner, if any.
func (l *TableLocker) Holder(ctx context.Context) (owner string, since time.Time, ok bool, err error) {
	query := fmt.Sprintf(`SELECT owner, acquired_at FROM %s WHERE id = 1`, l.table)

	var acquiredAt any
	err = l.db.QueryRowContext(ctx, query).Scan(&owner, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, NewDatabaseError("read lock holder", query, err)
	}
	since, err = parseTime(acquiredAt)
	if err != nil {
		return "", time.Time{}, false, NewDatabaseError("read lock holder", query, err)
	}
	return owner, since, true, nil
}

// ForceUnlock deletes the lock row regardless of owner
func (l *TableLocker) ForceUnlock(ctx context.Context) error {
	if err := l.ensure(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = 1`, l.table)
	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return NewDatabaseError("force unlock", query, err)
	}
	return nil
}

type tableLock struct {
	locker   *TableLocker
	owner    string
	released bool
}

func (t *tableLock) Owner() string {
	return t.owner
}

func (t *tableLock) Release(ctx context.Context) error {
	if t.released {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = 1 AND owner = %s`, t.locker.table, t.locker.dialect.placeholder(1))
	if _, err := t.locker.db.ExecContext(ctx, query, t.owner); err != nil {
		return NewDatabaseError("release lock", query, err)
	}
	t.released = true
	return nil
}

// ----------------------------- Advisory lock -----------------------------

// AdvisoryLocker uses a session-level PostgreSQL advisory lock held on a
// dedicated connection for the lifetime of the lock. The server drops the
// lock when that session ends, so crashed runs never leave it behind.
type AdvisoryLocker struct {
	db   *sql.DB
	name string
	key  int64
}

// NewAdvisoryLocker returns a locker keyed by name.
func NewAdvisoryLocker(db *sql.DB, name string) (*AdvisoryLocker, error) {
	if name == "" {
		name = DefaultLockTable
	}
	return &AdvisoryLocker{db: db, name: name, key: hashLockKey(name)}, nil
}

// Key returns the advisory lock key.
func (l *AdvisoryLocker) Key() int64 {
	return l.key
}

// Acquire tries the advisory lock without waiting
func (l *AdvisoryLocker) Acquire(ctx context.Context) (Lock, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, NewDatabaseError("pin lock connection", "", err)
	}

	const query = `SELECT pg_try_advisory_lock($1)`
	var acquired bool
	if err := conn.QueryRowContext(ctx, query, l.key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, NewDatabaseError("acquire advisory lock", query, err)
	}
	if !acquired {
		conn.Close()
		return nil, &LockError{Table: fmt.Sprintf("%s (advisory key %d)", l.name, l.key)}
	}

	return &advisoryLock{conn: conn, key: l.key, owner: uuid.NewString()}, nil
}

// ForceUnlock is unsupported: advisory locks end with their session.
func (l *AdvisoryLocker) ForceUnlock(context.Context) error {
	return fmt.Errorf("advisory lock %d is released when its session ends: %w", l.key, errors.ErrUnsupported)
}

type advisoryLock struct {
	conn  *sql.Conn
	key   int64
	owner string
}

func (a *advisoryLock) Owner() string {
	return a.owner
}

func (a *advisoryLock) Release(ctx context.Context) error {
	if a.conn == nil {
		return nil
	}
	const query = `SELECT pg_advisory_unlock($1)`
	_, err := a.conn.ExecContext(ctx, query, a.key)
	closeErr := a.conn.Close()
	a.conn = nil
	if err != nil {
		return NewDatabaseError("release advisory lock", query, err)
	}
	return closeErr
}

// hashLockKey maps a lock name to a non-negative pg_try_advisory_lock key
// with FNV-1a.
func hashLockKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
