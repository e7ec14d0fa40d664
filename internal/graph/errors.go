package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Structural errors reported by Build, plus query errors.
var (
	// ErrCycle indicates that parent links form a cycle
	ErrCycle = errors.New("revision cycle")

	// ErrUnknownParent indicates that a parent id has no matching revision
	ErrUnknownParent = errors.New("unknown parent revision")

	// ErrDuplicateRevision indicates that two revisions share an id
	ErrDuplicateRevision = errors.New("duplicate revision")

	// ErrUnknownRevision indicates a query for an id that is not in the graph
	ErrUnknownRevision = errors.New("unknown revision")

	// ErrNoPath indicates that a target cannot be reached through a base
	ErrNoPath = errors.New("no path between revisions")
)

// Kind classifies a structural graph error.
type Kind int

const (
	KindCycle Kind = iota + 1
	KindUnknownParent
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindCycle:
		return "cycle"
	case KindUnknownParent:
		return "unknown_parent"
	case KindDuplicate:
		return "duplicate_revision"
	default:
		return "unknown"
	}
}

// Error reports why a set of revisions does not form a valid graph.
type Error struct {
	Kind     Kind
	Revision string   // Offending revision id
	Parent   string   // Missing parent for KindUnknownParent
	Cycle    []string // Revisions on the cycle in parent to child order, for KindCycle
}

// Error implements the error interface
func (e *Error) Error() string {
	switch e.Kind {
	case KindCycle:
		if len(e.Cycle) == 0 {
			return ErrCycle.Error()
		}
		return fmt.Sprintf("%v: %s -> %s", ErrCycle, strings.Join(e.Cycle, " -> "), e.Cycle[0])
	case KindUnknownParent:
		return fmt.Sprintf("%v %q referenced by %s", ErrUnknownParent, e.Parent, e.Revision)
	case KindDuplicate:
		return fmt.Sprintf("%v %q", ErrDuplicateRevision, e.Revision)
	default:
		return "invalid revision graph"
	}
}

// Unwrap returns the sentinel matching the error kind
func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindCycle:
		return ErrCycle
	case KindUnknownParent:
		return ErrUnknownParent
	case KindDuplicate:
		return ErrDuplicateRevision
	default:
		return nil
	}
}
