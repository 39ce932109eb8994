package testutil

import "sync"

// DeterministicClock is a thread-safe logical clock for state timestamps.
//
// Each call to Now returns a strictly larger value, so states built with it
// always satisfy the timestamp invariant. Reset allows a scenario to be
// replayed with identical timestamps.
type DeterministicClock struct {
	mu    sync.Mutex
	start uint64
	now   uint64
}

// NewDeterministicClock returns a clock whose first tick is start+1.
func NewDeterministicClock(start uint64) *DeterministicClock {
	return &DeterministicClock{start: start, now: start}
}

// Now advances the clock and returns the new time.
func (c *DeterministicClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now++
	return c.now
}

// Current returns the last issued time without advancing.
func (c *DeterministicClock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
