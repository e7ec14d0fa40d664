package state

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLocked indicates that another run holds the migration lock
	ErrLocked = errors.New("migration lock is held by another run")

	// ErrNotApplied indicates an exclude for a revision that has no state row
	ErrNotApplied = errors.New("revision is not recorded as applied")

	// ErrInvalidTable indicates a table name that is not a plain identifier
	ErrInvalidTable = errors.New("invalid table name")
)

// LockError reports a failed lock acquisition. It never follows a mutation.
type LockError struct {
	Table  string    // Lock table or advisory key source
	Holder string    // Owner token of the current holder, when known
	Since  time.Time // When the current holder acquired the lock, when known
	Err    error     // Database error that prevented acquisition, if any
}

// Error implements the error interface
func (e *LockError) Error() string {
	msg := fmt.Sprintf("%v (%s)", ErrLocked, e.Table)
	if e.Holder != "" {
		msg += fmt.Sprintf(": held by %s", e.Holder)
		if !e.Since.IsZero() {
			msg += " since " + e.Since.UTC().Format(time.RFC3339)
		}
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns both the sentinel and the underlying cause
func (e *LockError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrLocked}
	}
	return []error{ErrLocked, e.Err}
}

// DatabaseError wraps database-related errors raised by the tracker and lockers
type DatabaseError struct {
	Operation string // Database operation (read state, include, etc.)
	Query     string // SQL query that failed (if applicable)
	Err       error  // Underlying error
}

// Error implements the error interface
func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// NewDatabaseError creates a new DatabaseError
func NewDatabaseError(operation, query string, err error) *DatabaseError {
	return &DatabaseError{
		Operation: operation,
		Query:     query,
		Err:       err,
	}
}
