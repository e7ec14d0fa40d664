// Package postgres opens PostgreSQL databases through pgx's database/sql
// adapter.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/example/revmigrate/internal/persistence"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	DSN string

	// StatementTimeout bounds every statement of a step. Zero keeps the
	// server default.
	StatementTimeout time.Duration

	// LockTimeout bounds waits on row and table locks taken by procedures.
	LockTimeout time.Duration

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a configuration with pool sizes suited to a single
// migration run: one pinned connection for the advisory lock plus one for
// the step transactions.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// ConnConfig parses the DSN and applies the session settings.
func (c Config) ConnConfig() (*pgx.ConnConfig, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("DSN cannot be empty")
	}
	if c.StatementTimeout < 0 || c.LockTimeout < 0 {
		return nil, fmt.Errorf("timeouts cannot be negative")
	}

	connCfg, err := pgx.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if c.StatementTimeout > 0 {
		connCfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	if c.LockTimeout > 0 {
		connCfg.RuntimeParams["lock_timeout"] = strconv.FormatInt(c.LockTimeout.Milliseconds(), 10)
	}
	return connCfg, nil
}

// Open builds a connection pool and waits until the server answers.
func Open(ctx context.Context, cfg Config, retry persistence.RetryConfig, logger *slog.Logger) (*sql.DB, error) {
	connCfg, err := cfg.ConnConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}

	db := stdlib.OpenDB(*connCfg)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := persistence.Ping(ctx, db, retry, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
