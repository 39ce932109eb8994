package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/genesis"
	"github.com/roach88/dsm/internal/state"
)

// GenesisTime is the timestamp of every fixture genesis.
const GenesisTime = 1000

// Genesis returns a deterministic genesis state for entity.
func Genesis(t testing.TB, p crypto.Primitives, entity state.EntityID, balance int64) state.State {
	t.Helper()
	g, err := genesis.NewDev(p, genesis.WithBalance(entity, balance), genesis.WithTimestamp(GenesisTime)).
		Genesis(context.Background(), entity)
	require.NoError(t, err)
	return g
}

// NewChain returns a chain for entity holding only its genesis.
func NewChain(t testing.TB, p crypto.Primitives, entity state.EntityID, balance int64) *state.Chain {
	t.Helper()
	c, err := state.NewChain(p, Genesis(t, p, entity, balance))
	require.NoError(t, err)
	return c
}

// Extend builds, signs and appends a successor of the chain head.
func Extend(t testing.TB, p crypto.Primitives, c *state.Chain, op state.Operation, ts uint64, opts ...state.DraftOption) state.State {
	t.Helper()
	head := c.Head()
	next, err := state.Successor(p, head, op, ts, opts...)
	require.NoError(t, err)
	_, err = c.Append(head, next)
	require.NoError(t, err)
	return next
}

// Generic returns a value-neutral operation carrying memo.
func Generic(memo string) state.Operation {
	return state.Operation{Kind: state.OpGeneric, Memo: memo}
}

// Grow appends n generic states to the chain, ticking clock for each.
func Grow(t testing.TB, p crypto.Primitives, c *state.Chain, clock *DeterministicClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		Extend(t, p, c, Generic("tick"), clock.Now())
	}
}
