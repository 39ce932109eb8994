// Package index maintains the sparse checkpoint index over a state chain.
//
// Every k-th state is a checkpoint. States are grouped into segments of k
// consecutive states, each committed to by a Merkle root, and the segment
// roots are in turn committed to by a top-level root. An inclusion proof is
// the path inside the segment plus the path through the top tree.
//
// The index is derived data. Rebuild from the chain always yields the same
// root as incremental maintenance.
package index

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/state"
)

// DefaultInterval is the checkpoint interval used when none is configured.
const DefaultInterval = 16

// Checkpoint is the hash of a state at a multiple of the interval.
type Checkpoint struct {
	StateNumber uint64 `json:"state_number"`
	Hash        []byte `json:"hash"`
}

// Proof shows that a state hash is committed to by an index root.
type Proof struct {
	StateNumber uint64 `cramberry:"1" json:"state_number"`
	Segment     []Step `cramberry:"2" json:"segment"`
	Top         []Step `cramberry:"3" json:"top"`
}

// Size is the number of hashes in the proof.
func (pr Proof) Size() int {
	return len(pr.Segment) + len(pr.Top)
}

// Index is safe for concurrent use.
type Index struct {
	p        crypto.Primitives
	interval uint64

	mu     sync.RWMutex
	owner  state.EntityID
	leaves [][]byte
	// roots caches the Merkle root of every full segment.
	roots       [][]byte
	checkpoints []Checkpoint
}

// New returns an empty index with checkpoint interval k.
func New(p crypto.Primitives, k uint64) (*Index, error) {
	if k == 0 {
		return nil, fmt.Errorf("index: checkpoint interval must be at least 1")
	}
	return &Index{p: p, interval: k}, nil
}

// Rebuild derives an index from states, which must start at genesis.
func Rebuild(p crypto.Primitives, k uint64, states []state.State) (*Index, error) {
	idx, err := New(p, k)
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		if err := idx.Add(s); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// FromChain derives an index from a chain's current contents.
func FromChain(p crypto.Primitives, k uint64, c *state.Chain) (*Index, error) {
	return Rebuild(p, k, c.States())
}

// Interval returns the checkpoint interval k.
func (x *Index) Interval() uint64 {
	return x.interval
}

// Len returns the number of indexed states.
func (x *Index) Len() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return uint64(len(x.leaves))
}

// Add indexes the next state. States must arrive in state-number order.
func (x *Index) Add(s state.State) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if s.StateNumber != uint64(len(x.leaves)) {
		return state.Reject(state.SequenceGap, "index holds %d states, got state %d", len(x.leaves), s.StateNumber).At(s.Owner, s.StateNumber)
	}
	if len(x.leaves) == 0 {
		x.owner = s.Owner
	} else if s.Owner != x.owner {
		return state.Reject(state.Malformed, "index belongs to %s", x.owner).At(s.Owner, s.StateNumber)
	}
	id := state.ID(x.p, s)
	if s.StateNumber%x.interval == 0 {
		x.checkpoints = append(x.checkpoints, Checkpoint{StateNumber: s.StateNumber, Hash: id})
	}
	x.leaves = append(x.leaves, leafHash(x.p, s.StateNumber, id))
	if uint64(len(x.leaves))%x.interval == 0 {
		start := uint64(len(x.leaves)) - x.interval
		x.roots = append(x.roots, merkleRoot(x.p, x.leaves[start:]))
	}
	return nil
}

// Truncate drops every state after n, following an invalidation marker.
func (x *Index) Truncate(n uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if n+1 >= uint64(len(x.leaves)) {
		return
	}
	x.leaves = x.leaves[:n+1]
	x.roots = x.roots[:uint64(len(x.leaves))/x.interval]
	x.checkpoints = x.checkpoints[:n/x.interval+1]
}

// segmentRoots returns the cached full-segment roots plus the partial tail.
func (x *Index) segmentRoots() [][]byte {
	roots := x.roots
	if tail := uint64(len(x.leaves)) % x.interval; tail != 0 {
		start := uint64(len(x.leaves)) - tail
		roots = append(roots[:len(roots):len(roots)], merkleRoot(x.p, x.leaves[start:]))
	}
	return roots
}

// Root returns the commitment over all indexed states.
func (x *Index) Root() []byte {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return merkleRoot(x.p, x.segmentRoots())
}

// Checkpoint returns the checkpoint at n, which must be a multiple of the
// interval.
func (x *Index) Checkpoint(n uint64) (Checkpoint, bool) {
	if n%x.interval != 0 {
		return Checkpoint{}, false
	}
	return x.Nearest(n)
}

// Nearest returns the last checkpoint at or before n. Verifying state n then
// needs at most k-1 link checks forward from it.
func (x *Index) Nearest(n uint64) (Checkpoint, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i := n / x.interval
	if n >= uint64(len(x.leaves)) || i >= uint64(len(x.checkpoints)) {
		return Checkpoint{}, false
	}
	return x.checkpoints[i], true
}

// Checkpoints returns every checkpoint in state-number order.
func (x *Index) Checkpoints() []Checkpoint {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Checkpoint, len(x.checkpoints))
	copy(out, x.checkpoints)
	return out
}

// Prove builds an inclusion proof for state n against the current root.
func (x *Index) Prove(n uint64) (Proof, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if n >= uint64(len(x.leaves)) {
		return Proof{}, fmt.Errorf("index: state %d not indexed (len %d)", n, len(x.leaves))
	}
	seg := n / x.interval
	start := seg * x.interval
	end := min(start+x.interval, uint64(len(x.leaves)))
	return Proof{
		StateNumber: n,
		Segment:     merklePath(x.p, x.leaves[start:end], int(n-start)),
		Top:         merklePath(x.p, x.segmentRoots(), int(seg)),
	}, nil
}

// VerifyInclusion reports whether stateHash, the ID of state
// proof.StateNumber, is committed to by root.
func VerifyInclusion(p crypto.Primitives, root, stateHash []byte, proof Proof) bool {
	h := leafHash(p, proof.StateNumber, stateHash)
	h = fold(p, h, proof.Segment)
	h = fold(p, h, proof.Top)
	return bytes.Equal(h, root)
}
