package testutil

import (
	"sync"
	"time"
)

// Epoch is the default starting instant for FakeClock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced wall clock for tests.
//
// Components take a `func() time.Time`; pass clock.Now so tests control
// expiry, ordering and timestamps exactly.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at start. A zero start uses Epoch.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Tick returns the current time and then advances by d. Useful when every
// call must observe a distinct timestamp.
func (c *FakeClock) Tick(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(d)
	return t
}
