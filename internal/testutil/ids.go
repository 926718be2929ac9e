package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable operation ids: "<prefix>-0001",
// "<prefix>-0002", ...
//
// Ids sort lexically in generation order, which keeps exports and golden
// snapshots stable.
//
// Thread-safety: Next is safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. If prefix is empty, "op" is used.
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "op"
	}
	return &SequentialIDs{prefix: prefix}
}

// Next returns the next id.
func (g *SequentialIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Reset restarts numbering at 1.
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
