package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/revmigrate/internal/persistence"
)

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty path":        func(c *Config) { c.Path = "" },
		"negative timeout":  func(c *Config) { c.BusyTimeout = -time.Second },
		"bad journal mode":  func(c *Config) { c.JournalMode = "SIDEWAYS" },
		"bad sync mode":     func(c *Config) { c.Synchronous = "SOMETIMES" },
		"negative open":     func(c *Config) { c.MaxOpenConns = -1 },
		"negative idle":     func(c *Config) { c.MaxIdleConns = -1 },
		"negative lifetime": func(c *Config) { c.ConnMaxLifetime = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig("state.db")
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig("state.db").Validate())
}

func TestConfigDSN(t *testing.T) {
	cfg := DefaultConfig("/tmp/state.db")
	dsn := cfg.DSN()

	assert.True(t, strings.HasPrefix(dsn, "file:/tmp/state.db?"))
	assert.Contains(t, dsn, "_pragma=busy_timeout(5000)")
	assert.Contains(t, dsn, "_pragma=journal_mode(WAL)")
	assert.Contains(t, dsn, "_pragma=foreign_keys(1)")
	assert.Contains(t, dsn, "_txlock=immediate")

	uri := DefaultConfig("file:state.db?mode=rwc").DSN()
	assert.True(t, strings.HasPrefix(uri, "file:state.db?mode=rwc&_pragma="))
}

func TestOpenCreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	db, err := Open(context.Background(), TempFileTestConfig(path), persistence.DefaultRetryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var timeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 1000, timeout)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{}, persistence.DefaultRetryConfig(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SQLite configuration")
}
