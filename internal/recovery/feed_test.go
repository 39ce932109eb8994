package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/testutil"
)

func TestApply_PrunesAndBlocksExtension(t *testing.T) {
	p := crypto.NewSuite()
	key, err := p.GenerateKey()
	require.NoError(t, err)
	clock := testutil.NewDeterministicClock(testutil.GenesisTime)
	chain := testutil.NewChain(t, p, "alice", 100)
	testutil.Grow(t, p, chain, clock, 5)
	s2, _ := chain.Get(2)

	m := state.InvalidationMarker{
		Entity:         "alice",
		StateNumber:    2,
		StateHash:      state.ID(p, s2),
		NewEntropySeed: p.Hash([]byte("fresh")),
	}
	require.NoError(t, Sign(p, key, &m))
	assert.True(t, Verify(p, key.Public(), m))

	feed := NewMemoryFeed()
	feed.Publish(m)

	n, err := Apply(context.Background(), p, feed, chain, key.Public())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, chain.Len())

	cand, err := state.Successor(p, s2, testutil.Generic("after"), clock.Now())
	require.NoError(t, err)
	_, err = chain.Append(s2, cand)
	assert.True(t, state.IsReason(err, state.RecoveryMarkerExceeded))

	n, err = Apply(context.Background(), p, feed, chain, key.Public())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "reapplying the same marker is a no-op")
}

func TestApply_SkipsUnsignedMarkers(t *testing.T) {
	p := crypto.NewSuite()
	key, err := p.GenerateKey()
	require.NoError(t, err)
	other, err := p.GenerateKey()
	require.NoError(t, err)
	chain := testutil.NewChain(t, p, "alice", 100)
	testutil.Grow(t, p, chain, testutil.NewDeterministicClock(testutil.GenesisTime), 3)
	s1, _ := chain.Get(1)

	m := state.InvalidationMarker{Entity: "alice", StateNumber: 1, StateHash: state.ID(p, s1)}
	require.NoError(t, Sign(p, other, &m))

	feed := NewMemoryFeed()
	feed.Publish(m)
	n, err := Apply(context.Background(), p, feed, chain, key.Public())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 4, chain.Len())
}

func TestMemoryFeed_OrdersByStateNumber(t *testing.T) {
	feed := NewMemoryFeed()
	feed.Publish(state.InvalidationMarker{Entity: "a", StateNumber: 9})
	feed.Publish(state.InvalidationMarker{Entity: "a", StateNumber: 3})
	feed.Publish(state.InvalidationMarker{Entity: "b", StateNumber: 1})

	got, err := feed.Markers(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].StateNumber)
	assert.Equal(t, uint64(9), got[1].StateNumber)
}
