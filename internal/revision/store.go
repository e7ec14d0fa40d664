package revision

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
)

var (
	// ErrDuplicateID indicates that two discovered revisions share an id.
	ErrDuplicateID = errors.New("duplicate revision id")

	// ErrInvalidRevision indicates a structurally unusable revision record.
	ErrInvalidRevision = errors.New("invalid revision")
)

// Store discovers revision definitions from an external source.
//
// Discover returns a lazy sequence. Ranging over it again restarts discovery.
// A non-nil error ends the sequence.
type Store interface {
	Discover(ctx context.Context) iter.Seq2[Revision, error]
}

// Collect drains a discovery sequence into a slice.
func Collect(seq iter.Seq2[Revision, error]) ([]Revision, error) {
	var revs []Revision
	for rev, err := range seq {
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

// Validate checks the fields every store must provide.
func Validate(rev Revision) error {
	if rev.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRevision)
	}
	if rev.Procedure == nil {
		return fmt.Errorf("%w: %s has no procedure", ErrInvalidRevision, rev.ID)
	}
	for _, parent := range rev.Parents {
		if parent == "" {
			return fmt.Errorf("%w: %s has an empty parent id", ErrInvalidRevision, rev.ID)
		}
	}
	return nil
}

// MemoryStore serves revisions defined in Go code.
type MemoryStore struct {
	revs []Revision
}

// NewMemoryStore returns a store over the given revisions.
func NewMemoryStore(revs ...Revision) *MemoryStore {
	return &MemoryStore{revs: slices.Clone(revs)}
}

// Add appends a revision to the store.
func (s *MemoryStore) Add(rev Revision) {
	s.revs = append(s.revs, rev)
}

// Discover yields the stored revisions after validating each one and checking
// id uniqueness.
func (s *MemoryStore) Discover(ctx context.Context) iter.Seq2[Revision, error] {
	return func(yield func(Revision, error) bool) {
		seen := make(map[string]struct{}, len(s.revs))
		for _, rev := range s.revs {
			if err := ctx.Err(); err != nil {
				yield(Revision{}, err)
				return
			}
			if err := Validate(rev); err != nil {
				yield(Revision{}, err)
				return
			}
			if _, dup := seen[rev.ID]; dup {
				yield(Revision{}, fmt.Errorf("%w: %s", ErrDuplicateID, rev.ID))
				return
			}
			seen[rev.ID] = struct{}{}
			if !yield(rev, nil) {
				return
			}
		}
	}
}

// MultiStore concatenates several stores. An id discovered by more than one
// store is reported as a duplicate naming both sources.
type MultiStore struct {
	stores []Store
}

// NewMultiStore combines stores in the given order.
func NewMultiStore(stores ...Store) *MultiStore {
	return &MultiStore{stores: stores}
}

// Discover yields revisions from each store in turn.
func (m *MultiStore) Discover(ctx context.Context) iter.Seq2[Revision, error] {
	return func(yield func(Revision, error) bool) {
		sources := make(map[string]string)
		for _, store := range m.stores {
			for rev, err := range store.Discover(ctx) {
				if err != nil {
					yield(Revision{}, err)
					return
				}
				if prev, dup := sources[rev.ID]; dup {
					yield(Revision{}, fmt.Errorf("%w: %s (%s and %s)", ErrDuplicateID, rev.ID, prev, rev.Source))
					return
				}
				sources[rev.ID] = rev.Source
				if !yield(rev, nil) {
					return
				}
			}
		}
	}
}
