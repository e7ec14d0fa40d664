// Package config loads driver settings from defaults, an optional YAML file
// and REVMIGRATE_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/revmigrate/internal/logging"
	"github.com/example/revmigrate/internal/state"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "REVMIGRATE_"

// Config captures the settings of a migration run.
type Config struct {
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	RevisionsDir   string        `yaml:"revisions_dir"`
	StateTable     string        `yaml:"state_table"`
	LockTable      string        `yaml:"lock_table"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// BusyTimeout bounds SQLite lock waits; StatementTimeout bounds Postgres
	// statements. Both end a step with a failure rather than hanging.
	BusyTimeout      time.Duration `yaml:"busy_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	MetricsFile      string        `yaml:"metrics_file"`
	Log              LogConfig     `yaml:"log"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Driver:           "sqlite",
		RevisionsDir:     "revisions",
		StateTable:       state.DefaultStateTable,
		LockTable:        state.DefaultLockTable,
		ConnectTimeout:   10 * time.Second,
		BusyTimeout:      5 * time.Second,
		StatementTimeout: 0,
		Log:              LogConfig{Level: "info", Format: "text"},
	}
}

// Dialect returns the state dialect selected by Driver.
func (c Config) Dialect() state.Dialect {
	d, err := state.ParseDialect(c.Driver)
	if err != nil {
		return state.SQLite
	}
	return d
}

// Load reads path when it is not empty (falling back to REVMIGRATE_CONFIG)
// and applies environment overrides. Missing and invalid values are reported
// together.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path == "" {
		path, _ = lookupTrimmed(lookup, "CONFIG")
	}
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	missing := make([]string, 0, 1)
	invalid := make([]string, 0, 2)

	for _, s := range []struct {
		key string
		dst *string
	}{
		{"DRIVER", &cfg.Driver},
		{"DSN", &cfg.DSN},
		{"REVISIONS_DIR", &cfg.RevisionsDir},
		{"STATE_TABLE", &cfg.StateTable},
		{"LOCK_TABLE", &cfg.LockTable},
		{"METRICS_FILE", &cfg.MetricsFile},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
	} {
		if v, ok := lookupTrimmed(lookup, s.key); ok {
			*s.dst = v
		}
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"BUSY_TIMEOUT", &cfg.BusyTimeout},
		{"STATEMENT_TIMEOUT", &cfg.StatementTimeout},
	} {
		v, ok := lookupTrimmed(lookup, d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 {
			invalid = append(invalid, EnvPrefix+d.key)
			continue
		}
		*d.dst = parsed
	}

	if cfg.DSN == "" {
		missing = append(missing, EnvPrefix+"DSN")
	}
	if _, err := state.ParseDialect(cfg.Driver); err != nil {
		invalid = append(invalid, EnvPrefix+"DRIVER")
	}
	if err := state.ValidateTableName(cfg.StateTable); err != nil {
		invalid = append(invalid, EnvPrefix+"STATE_TABLE")
	}
	if err := state.ValidateTableName(cfg.LockTable); err != nil {
		invalid = append(invalid, EnvPrefix+"LOCK_TABLE")
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		invalid = append(invalid, EnvPrefix+"LOG_LEVEL")
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "json", "text":
	default:
		invalid = append(invalid, EnvPrefix+"LOG_FORMAT")
	}
	if cfg.ConnectTimeout == 0 {
		invalid = append(invalid, EnvPrefix+"CONNECT_TIMEOUT")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required configuration is not set: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid configuration values: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// readFile decodes a YAML file over cfg. Unknown keys are rejected.
func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
