package processor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonicClock_NeverRepeats(t *testing.T) {
	frozen := time.UnixMilli(5000)
	c := &MonotonicClock{wall: func() time.Time { return frozen }}

	assert.Equal(t, uint64(5000), c.Now())
	assert.Equal(t, uint64(5001), c.Now())
	assert.Equal(t, uint64(5002), c.Now())
	assert.Equal(t, uint64(5002), c.Current())
}

func TestMonotonicClock_IgnoresWallClockRegression(t *testing.T) {
	c := NewMonotonicClockAt(10_000)
	c.wall = func() time.Time { return time.UnixMilli(1) }

	assert.Equal(t, uint64(10_001), c.Now())
}

func TestMonotonicClock_ConcurrentUnique(t *testing.T) {
	c := NewMonotonicClock()
	const workers, per = 8, 200

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				v := c.Now()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*per)
}
