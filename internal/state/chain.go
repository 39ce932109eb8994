package state

import (
	"bytes"
	"sync"

	"github.com/roach88/dsm/internal/crypto"
)

// Chain is an entity's append-only sequence of states, indexed by state
// number. The zero value is not usable; construct with NewChain.
//
// A Chain has a single writer, its owner. The mutex only makes the
// read-check-write of Append atomic so that two racing candidates for the
// same predecessor cannot both land; the second sees a moved head and is
// rejected.
type Chain struct {
	p crypto.Primitives

	mu     sync.RWMutex
	states []State
	marker *InvalidationMarker
}

// NewChain starts a chain from a genesis state supplied by the genesis
// collaborator. The genesis is validated, never constructed here.
func NewChain(p crypto.Primitives, genesis State) (*Chain, error) {
	if err := ValidateGenesis(p, genesis); err != nil {
		return nil, err
	}
	return &Chain{p: p, states: []State{genesis}}, nil
}

// Owner returns the entity that owns the chain.
func (c *Chain) Owner() EntityID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[0].Owner
}

// Head returns the latest state.
func (c *Chain) Head() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[len(c.states)-1]
}

// Len returns the number of states including genesis.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

// Get returns the state with number n.
func (c *Chain) Get(n uint64) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n >= uint64(len(c.states)) {
		return State{}, false
	}
	return c.states[n], true
}

// Range returns a copy of states i through j inclusive.
func (c *Chain) Range(i, j uint64) ([]State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i > j || j >= uint64(len(c.states)) {
		return nil, Reject(SequenceGap, "range [%d, %d] outside chain of length %d", i, j, len(c.states))
	}
	out := make([]State, j-i+1)
	copy(out, c.states[i:j+1])
	return out, nil
}

// States returns a copy of the whole chain.
func (c *Chain) States() []State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]State, len(c.states))
	copy(out, c.states)
	return out
}

// Marker returns the active invalidation marker, if any.
func (c *Chain) Marker() (InvalidationMarker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.marker == nil {
		return InvalidationMarker{}, false
	}
	return *c.marker, true
}

// Append verifies cand against pred and, on success, makes it the new head.
// pred must be the current head. On any rejection the chain is unchanged.
func (c *Chain) Append(pred, cand State) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(pred, cand); err != nil {
		return State{}, err
	}
	c.states = append(c.states, cand)
	return cand, nil
}

// Check runs every test Append would, without appending.
func (c *Chain) Check(pred, cand State) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.check(pred, cand)
}

func (c *Chain) check(pred, cand State) error {
	head := c.states[len(c.states)-1]
	if c.marker != nil && pred.StateNumber >= c.marker.StateNumber {
		return Reject(RecoveryMarkerExceeded,
			"predecessor %d is at or beyond marker %d", pred.StateNumber, c.marker.StateNumber).At(cand.Owner, cand.StateNumber)
	}
	if cand.StateNumber != head.StateNumber+1 {
		return Reject(SequenceGap, "head is %d, candidate is %d", head.StateNumber, cand.StateNumber).At(cand.Owner, cand.StateNumber)
	}
	if pred.StateNumber != head.StateNumber || !bytes.Equal(ID(c.p, pred), ID(c.p, head)) {
		return Reject(HashMismatch, "predecessor is not the chain head").At(cand.Owner, cand.StateNumber)
	}
	return VerifyTransition(c.p, head, cand)
}

// Extend appends cand after the current head.
func (c *Chain) Extend(cand State) (State, error) {
	return c.Append(c.Head(), cand)
}

// Verify re-walks states i through j, recomputing every hash, entropy value
// and signature rather than trusting the stored chain.
func (c *Chain) Verify(i, j uint64) error {
	segment, err := c.Range(i, j)
	if err != nil {
		return err
	}
	if i == 0 {
		if err := ValidateGenesis(c.p, segment[0]); err != nil {
			return err
		}
	}
	return VerifySegment(c.p, segment)
}

// ApplyMarker installs an invalidation marker. States beyond the marker are
// pruned and no state may be appended on top of the marked state. A marker
// naming a state the chain does not hold, or whose hash does not match, is
// rejected. Signature checking is the caller's job; see the recovery package.
func (c *Chain) ApplyMarker(m InvalidationMarker) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner := c.states[0].Owner
	if m.Entity != owner {
		return Reject(Malformed, "marker for %s applied to chain of %s", m.Entity, owner)
	}
	if m.StateNumber >= uint64(len(c.states)) {
		return Reject(SequenceGap, "marker at %d beyond head %d", m.StateNumber, len(c.states)-1).At(owner, m.StateNumber)
	}
	if !bytes.Equal(ID(c.p, c.states[m.StateNumber]), m.StateHash) {
		return Reject(HashMismatch, "marker hash does not match state %d", m.StateNumber).At(owner, m.StateNumber)
	}
	if c.marker != nil && c.marker.StateNumber <= m.StateNumber {
		return nil
	}
	c.states = c.states[:m.StateNumber+1]
	cp := m
	c.marker = &cp
	return nil
}
