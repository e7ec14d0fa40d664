package resolver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAmbiguousPath indicates that the target cannot be reached without
	// guessing which branches the operator meant to include
	ErrAmbiguousPath = errors.New("ambiguous migration path")

	// ErrUnreachableTarget indicates that the current state and the target
	// share no ancestry
	ErrUnreachableTarget = errors.New("unreachable target")

	// ErrStateMismatch indicates persisted revision ids missing from the graph
	ErrStateMismatch = errors.New("database state does not match revisions")

	// ErrUnknownTarget indicates a target id that is not in the graph
	ErrUnknownTarget = errors.New("unknown target revision")
)

// Kind classifies a resolution failure.
type Kind int

const (
	KindAmbiguousPath Kind = iota + 1
	KindUnreachableTarget
	KindStateMismatch
	KindUnknownTarget
)

// Error reports why no plan could be produced. Resolution errors never have
// side effects.
type Error struct {
	Kind       Kind
	Revision   string   // Revision the failure is about
	Target     string   // Requested target, when relevant
	Candidates []string // Heads or parents the operator could choose from
}

// Error implements the error interface
func (e *Error) Error() string {
	switch e.Kind {
	case KindAmbiguousPath:
		if e.Revision == "" {
			return fmt.Sprintf("%v: %s matches several heads (%s)", ErrAmbiguousPath, e.Target, strings.Join(e.Candidates, ", "))
		}
		return fmt.Sprintf("%v: merge %s also needs %s, which is neither applied nor requested",
			ErrAmbiguousPath, e.Revision, strings.Join(e.Candidates, ", "))
	case KindUnreachableTarget:
		return fmt.Sprintf("%v: %s shares no ancestor with applied revision %s", ErrUnreachableTarget, e.Target, e.Revision)
	case KindStateMismatch:
		return fmt.Sprintf("%v: applied revision %s is unknown", ErrStateMismatch, e.Revision)
	case KindUnknownTarget:
		if e.Target == "" {
			return fmt.Sprintf("%v: no target given", ErrUnknownTarget)
		}
		return fmt.Sprintf("%v: %s", ErrUnknownTarget, e.Target)
	default:
		return "resolution failed"
	}
}

// Unwrap returns the sentinel matching the error kind
func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindAmbiguousPath:
		return ErrAmbiguousPath
	case KindUnreachableTarget:
		return ErrUnreachableTarget
	case KindStateMismatch:
		return ErrStateMismatch
	case KindUnknownTarget:
		return ErrUnknownTarget
	default:
		return nil
	}
}
