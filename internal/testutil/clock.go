// Package testutil provides deterministic stand-ins for the clock and
// run-token sources, so report and store tests produce byte-identical
// output across runs.
package testutil

import (
	"sync"
	"time"
)

// FrozenClock is a deterministic time source for tests. Each call to
// Now returns the base time advanced by one step per prior call, so
// rows written in sequence get distinct, reproducible timestamps.
//
// Thread-safety: all methods are safe for concurrent use via internal
// mutex.
type FrozenClock struct {
	mu   sync.Mutex
	base time.Time
	step time.Duration
	n    int
}

// NewFrozenClock creates a clock starting at base. The first call to
// Now returns base itself; each later call advances by step.
func NewFrozenClock(base time.Time, step time.Duration) *FrozenClock {
	return &FrozenClock{base: base, step: step}
}

// Now returns the next deterministic timestamp.
func (c *FrozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.base.Add(time.Duration(c.n) * c.step)
	c.n++
	return t
}

// Reset rewinds the clock to base for test reuse.
func (c *FrozenClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
