// Package revision defines the immutable unit of schema change and the stores
// that discover revisions.
package revision

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Direction selects which procedure of a revision runs.
type Direction int

const (
	// Upgrade applies the revision.
	Upgrade Direction = iota + 1
	// Downgrade reverts the revision.
	Downgrade
)

// String returns the lowercase direction name used in logs and reports.
func (d Direction) String() string {
	switch d {
	case Upgrade:
		return "upgrade"
	case Downgrade:
		return "downgrade"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Executor is the part of a database handle a procedure needs. Both *sql.Tx
// and *sql.DB satisfy it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Procedure performs the schema change of a revision in one direction.
type Procedure interface {
	Apply(ctx context.Context, exec Executor, dir Direction) error
}

// ProcedureFunc adapts a function to the Procedure interface.
type ProcedureFunc func(ctx context.Context, exec Executor, dir Direction) error

// Apply calls f.
func (f ProcedureFunc) Apply(ctx context.Context, exec Executor, dir Direction) error {
	return f(ctx, exec, dir)
}

// Revision is a single node of the revision graph. Values are loaded once by a
// Store and never mutated afterwards.
type Revision struct {
	ID        string
	Label     string
	Parents   []string
	Procedure Procedure
	// Checksum is a digest of the revision scripts, empty when the procedure
	// is not backed by files.
	Checksum string
	// Source is where the revision was read from, for diagnostics.
	Source string
}

// IsRoot reports whether the revision has no parents.
func (r Revision) IsRoot() bool {
	return len(r.Parents) == 0
}

// IsMerge reports whether the revision joins two or more branches.
func (r Revision) IsMerge() bool {
	return len(r.Parents) > 1
}

// String returns the id followed by the label when one is set.
func (r Revision) String() string {
	if r.Label == "" {
		return r.ID
	}
	return r.ID + " (" + r.Label + ")"
}

// Checksum returns the hex encoded BLAKE2b-256 digest of the given script
// contents. Parts are separated so that moving text between scripts changes
// the digest.
func Checksum(parts ...[]byte) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		// New256 only fails for oversized keys.
		panic(err)
	}
	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SQLProcedure runs plain SQL scripts. An empty script for a direction is a
// no-op.
type SQLProcedure struct {
	Deploy string
	Revert string
}

// Apply executes the script for dir statement by statement.
func (p SQLProcedure) Apply(ctx context.Context, exec Executor, dir Direction) error {
	script := p.Deploy
	if dir == Downgrade {
		script = p.Revert
	}

	for i, stmt := range SplitStatements(script) {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s statement %d: %w", dir, i+1, err)
		}
	}
	return nil
}

// SplitStatements splits SQL content into individual statements separated by
// semicolons and drops comment-only lines.
func SplitStatements(script string) []string {
	var statements []string

	for _, stmt := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) > 0 {
			statements = append(statements, strings.Join(lines, "\n"))
		}
	}

	return statements
}
