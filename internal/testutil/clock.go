package testutil

import (
	"sync"
	"time"
)

// Epoch is the default starting time of a ManualClock.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a wall clock that only moves when told to.
//
// Pass clock.Now wherever a component takes a func() time.Time. Lease
// expiry and idle eviction become deterministic: nothing expires until the
// test calls Advance.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading start.
// A zero start means Epoch.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = Epoch
	}
	return &ManualClock{now: start}
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
// Negative durations are ignored; the clock never runs backwards.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Reset puts the clock back to start (Epoch if zero).
func (c *ManualClock) Reset(start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if start.IsZero() {
		start = Epoch
	}
	c.now = start
}
