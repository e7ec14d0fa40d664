package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/revmigrate/internal/state"
)

var envKeys = []string{
	"CONFIG", "DRIVER", "DSN", "REVISIONS_DIR", "STATE_TABLE", "LOCK_TABLE",
	"METRICS_FILE", "LOG_LEVEL", "LOG_FORMAT", "CONNECT_TIMEOUT", "BUSY_TIMEOUT",
	"STATEMENT_TIMEOUT",
}

// clearEnv blanks every variable; blank values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(EnvPrefix+key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "revmigrate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoader_ParseEnvironment(t *testing.T) {

	t.Run("applies defaults when variables are missing", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REVMIGRATE_DSN", "app.db")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}

		if cfg.Driver != "sqlite" || cfg.Dialect() != state.SQLite {
			t.Fatalf("expected sqlite driver, got %q", cfg.Driver)
		}
		if cfg.StateTable != state.DefaultStateTable || cfg.LockTable != state.DefaultLockTable {
			t.Fatalf("unexpected default tables: %q %q", cfg.StateTable, cfg.LockTable)
		}
		if cfg.RevisionsDir != "revisions" {
			t.Fatalf("unexpected default revisions dir: %q", cfg.RevisionsDir)
		}
		if cfg.ConnectTimeout != 10*time.Second {
			t.Fatalf("unexpected default connect timeout: %v", cfg.ConnectTimeout)
		}
	})

	t.Run("errors when required values are missing", func(t *testing.T) {
		clearEnv(t)

		_, err := Load("")
		if err == nil {
			t.Fatalf("expected error when required values are missing")
		}
		expected := "required configuration is not set: REVMIGRATE_DSN"
		if err.Error() != expected {
			t.Fatalf("unexpected error message: %q", err.Error())
		}
	})

	t.Run("reports every invalid value", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REVMIGRATE_DSN", "app.db")
		t.Setenv("REVMIGRATE_DRIVER", "oracle")
		t.Setenv("REVMIGRATE_STATE_TABLE", "state; drop")
		t.Setenv("REVMIGRATE_CONNECT_TIMEOUT", "soon")
		t.Setenv("REVMIGRATE_LOG_LEVEL", "loud")

		_, err := Load("")
		if err == nil {
			t.Fatalf("expected error for invalid values")
		}
		for _, key := range []string{
			"REVMIGRATE_DRIVER", "REVMIGRATE_STATE_TABLE", "REVMIGRATE_CONNECT_TIMEOUT", "REVMIGRATE_LOG_LEVEL",
		} {
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected %s in %q", key, err.Error())
			}
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REVMIGRATE_DRIVER", "postgres")
		t.Setenv("REVMIGRATE_DSN", "postgres://localhost/app")
		t.Setenv("REVMIGRATE_LOCK_TABLE", "app_lock")
		t.Setenv("REVMIGRATE_STATEMENT_TIMEOUT", "30s")
		t.Setenv("REVMIGRATE_LOG_FORMAT", "json")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}
		if cfg.Dialect() != state.Postgres {
			t.Fatalf("expected postgres dialect, got %v", cfg.Dialect())
		}
		if cfg.LockTable != "app_lock" || cfg.StatementTimeout != 30*time.Second || cfg.Log.Format != "json" {
			t.Fatalf("overrides not applied: %+v", cfg)
		}
	})
}

func TestLoader_YAMLFile(t *testing.T) {

	t.Run("file values sit between defaults and environment", func(t *testing.T) {
		clearEnv(t)
		path := writeConfig(t, `
driver: sqlite
dsn: from-file.db
revisions_dir: db/revisions
busy_timeout: 2s
metrics_file: /tmp/revmigrate.prom
log:
  level: debug
`)
		t.Setenv("REVMIGRATE_DSN", "from-env.db")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}
		if cfg.DSN != "from-env.db" {
			t.Fatalf("environment should win over the file, got %q", cfg.DSN)
		}
		if cfg.RevisionsDir != "db/revisions" || cfg.BusyTimeout != 2*time.Second {
			t.Fatalf("file values not applied: %+v", cfg)
		}
		if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
			t.Fatalf("nested log config not merged with defaults: %+v", cfg.Log)
		}
		if cfg.MetricsFile != "/tmp/revmigrate.prom" {
			t.Fatalf("unexpected metrics file %q", cfg.MetricsFile)
		}
	})

	t.Run("path from REVMIGRATE_CONFIG", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REVMIGRATE_CONFIG", writeConfig(t, "dsn: cfg.db\n"))

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}
		if cfg.DSN != "cfg.db" {
			t.Fatalf("expected DSN from config file, got %q", cfg.DSN)
		}
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(writeConfig(t, "dsn: a.db\ndatabase_url: b\n"))
		if err == nil || !strings.Contains(err.Error(), "database_url") {
			t.Fatalf("expected unknown field error, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		clearEnv(t)
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatalf("expected error for missing file")
		}
	})
}
