package testutil

import (
	"fmt"
	"sync"
)

// StubIDGenerator numbers IDs sequentially: "id-1", "id-2", and so on.
// The deterministic counterpart to store.UUIDGenerator.
type StubIDGenerator struct {
	mu sync.Mutex
	n  int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

// New returns the next ID in the sequence.
func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}
