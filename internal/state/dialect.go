package state

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Dialect selects the SQL flavour used for state bookkeeping. Revision
// procedures are opaque and never go through it.
type Dialect int

const (
	SQLite Dialect = iota + 1
	Postgres
)

// ParseDialect maps a driver name or alias to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg", "pgx":
		return Postgres, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", name)
	}
}

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) timeColumn() string {
	if d == Postgres {
		return "TIMESTAMPTZ"
	}
	return "TEXT"
}

// textTimeLayout keeps a fixed number of fractional digits so text
// timestamps sort chronologically.
const textTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeValue encodes t for a time column. SQLite stores RFC 3339 text.
func (d Dialect) timeValue(t time.Time) any {
	if d == Postgres {
		return t.UTC()
	}
	return t.UTC().Format(textTimeLayout)
}

// tableExistsQuery returns a query counting tables named by its one argument.
func (d Dialect) tableExistsQuery() string {
	if d == Postgres {
		return `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`
	}
	return `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(t))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time value %T", v)
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTableName rejects names that would need quoting.
func ValidateTableName(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return nil
}
