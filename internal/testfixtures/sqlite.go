package testfixtures

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/revmigrate/internal/persistence"
	"github.com/example/revmigrate/internal/persistence/sqlite"
)

// SQLiteHarness provides a database/sql handle backed by a temporary SQLite
// file for integration-style tests.
type SQLiteHarness struct {
	DB   *sql.DB
	Path string

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *SQLiteHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// Reopen returns a second, independent connection pool on the same file, as
// a concurrent process would have.
func (h *SQLiteHarness) Reopen(tb testing.TB) *sql.DB {
	tb.Helper()
	return OpenSQLite(tb, h.Path)
}

// NewSQLiteHarness constructs a SQLiteHarness using a temporary file. Callers
// may optionally invoke Close, but the helper will also register a cleanup
// callback with the provided testing.TB.
func NewSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "state.db")
	db := OpenSQLite(tb, path)

	harness := &SQLiteHarness{
		DB:   db,
		Path: path,
		cleanup: func() {
			_ = db.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}

// OpenSQLite opens path with test settings and closes it on cleanup.
func OpenSQLite(tb testing.TB, path string) *sql.DB {
	tb.Helper()

	retry := persistence.RetryConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
	db, err := sqlite.Open(context.Background(), sqlite.TempFileTestConfig(path), retry, nil)
	if err != nil {
		tb.Fatalf("failed to open sqlite database: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return db
}

// TableExists reports whether a table is present in a SQLite database.
func TableExists(tb testing.TB, db *sql.DB, name string) bool {
	tb.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	if err != nil {
		tb.Fatalf("failed to inspect tables: %v", err)
	}
	return count > 0
}
