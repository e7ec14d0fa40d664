package testfixtures

import (
	"fmt"
	"sync"
)

// IDGenerator hands out revision ids "<prefix>-0001", "<prefix>-0002", ...
// The padding keeps ascending id order equal to creation order, which is the
// order sibling revisions are planned in.
type IDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewIDGenerator returns a generator for prefix, "rev" when empty.
func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "rev"
	}
	return &IDGenerator{prefix: prefix}
}

// Next returns the next id.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%04d", g.prefix, g.next)
}

// NextFunc adapts the generator to repository.WithIDGenerator.
func (g *IDGenerator) NextFunc() func() string {
	return g.Next
}

// Take returns the next n ids.
func (g *IDGenerator) Take(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = g.Next()
	}
	return ids
}
