package processor

import (
	"sync/atomic"
	"time"
)

// Clock issues state timestamps. Successive calls must strictly increase.
// Implemented by MonotonicClock (production) and testutil.DeterministicClock
// (tests).
type Clock interface {
	Now() uint64
}

// MonotonicClock stamps states with wall-clock milliseconds, never repeating
// a value or going backwards even if the wall clock does.
//
// Thread-safety: safe for concurrent use (atomic operations).
type MonotonicClock struct {
	last atomic.Uint64
	wall func() time.Time
}

// NewMonotonicClock returns a clock reading the system wall clock.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{wall: time.Now}
}

// NewMonotonicClockAt returns a clock that never issues a value at or below
// start. Used after restore to resume past the head's timestamp.
func NewMonotonicClockAt(start uint64) *MonotonicClock {
	c := NewMonotonicClock()
	c.last.Store(start)
	return c
}

// Now returns the next timestamp.
func (c *MonotonicClock) Now() uint64 {
	for {
		prev := c.last.Load()
		next := uint64(c.wall().UnixMilli())
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Current returns the last issued timestamp without advancing.
func (c *MonotonicClock) Current() uint64 {
	return c.last.Load()
}
