package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/revmigrate/internal/graph"
	"github.com/example/revmigrate/internal/repository"
	"github.com/example/revmigrate/internal/resolver"
	"github.com/example/revmigrate/internal/revision"
	"github.com/example/revmigrate/internal/state"
)

var (
	// ErrStepFailed indicates that a procedure or its state update failed and
	// the step was rolled back
	ErrStepFailed = errors.New("migration step failed")

	// ErrInterrupted indicates that cancellation stopped a run between steps
	ErrInterrupted = errors.New("migration interrupted")

	// ErrSessionClosed indicates use of a session after Close
	ErrSessionClosed = errors.New("migration session is closed")
)

// StepFailure reports the step that failed. Steps before it stay committed.
type StepFailure struct {
	Revision  string
	Direction revision.Direction
	Err       error
}

// Error implements the error interface
func (e *StepFailure) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", ErrStepFailed, e.Direction, e.Revision, e.Err)
}

// Unwrap returns the sentinel and the underlying cause
func (e *StepFailure) Unwrap() []error {
	return []error{ErrStepFailed, e.Err}
}

// Error kinds returned by ErrorKind.
const (
	KindGraph       = "graph"
	KindResolution  = "resolution"
	KindLock        = "lock"
	KindStep        = "step"
	KindInterrupted = "interrupted"
	KindUnexpected  = "unexpected"
)

// ErrorKind maps an error to a stable label for logs and exit codes.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrStepFailed):
		return KindStep
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return KindInterrupted
	case errors.Is(err, state.ErrLocked):
		return KindLock
	case errors.Is(err, graph.ErrCycle),
		errors.Is(err, graph.ErrUnknownParent),
		errors.Is(err, graph.ErrDuplicateRevision),
		errors.Is(err, revision.ErrDuplicateID),
		errors.Is(err, revision.ErrInvalidRevision):
		return KindGraph
	case errors.Is(err, graph.ErrUnknownRevision),
		errors.Is(err, graph.ErrNoPath):
		return KindResolution
	}

	var readErr *repository.ReadError
	if errors.As(err, &readErr) {
		return KindGraph
	}
	var resErr *resolver.Error
	if errors.As(err, &resErr) {
		return KindResolution
	}

	return KindUnexpected
}

// ExitCode returns the process exit status for an error kind.
func ExitCode(kind string) int {
	switch kind {
	case "":
		return 0
	case KindGraph:
		return 2
	case KindResolution:
		return 3
	case KindLock:
		return 4
	case KindStep:
		return 5
	case KindInterrupted:
		return 6
	default:
		return 1
	}
}
