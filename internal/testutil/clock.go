package testutil

import (
	"sync"
	"time"
)

// StubClock hands a programmable time to code that takes a store.Clock.
// It never ticks on its own; tests move it explicitly with Advance.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStubClock starts the clock at t.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock starts the clock at a round reference instant,
// 2024-01-15 10:30:00 UTC, so expected timestamps stay readable.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

// Now returns the stubbed current time.
func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
