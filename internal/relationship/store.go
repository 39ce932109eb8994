// Package relationship holds the agreed state pairs between entities.
//
// Each unordered pair of entities has its own lock. Recording a transaction
// between A and B never touches, blocks on, or invalidates the entry for A
// and C.
package relationship

import (
	"bytes"
	"sort"
	"sync"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/state"
)

type slot struct {
	mu      sync.Mutex
	pair    *Pair
	pending []Published
}

// Store is safe for concurrent use.
type Store struct {
	p     crypto.Primitives
	pairs sync.Map // Key -> *slot
}

// NewStore returns an empty store.
func NewStore(p crypto.Primitives) *Store {
	return &Store{p: p}
}

func (s *Store) slot(k Key) *slot {
	v, _ := s.pairs.LoadOrStore(k, &slot{})
	return v.(*slot)
}

func (s *Store) lookup(k Key) (*slot, bool) {
	v, ok := s.pairs.Load(k)
	if !ok {
		return nil, false
	}
	return v.(*slot), true
}

// Resume returns the current relationship between a and b, if any.
func (s *Store) Resume(a, b state.EntityID) (Pair, bool) {
	sl, ok := s.lookup(KeyOf(a, b))
	if !ok {
		return Pair{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.pair == nil {
		return Pair{}, false
	}
	return sl.pair.clone(), true
}

// Keys returns every pair with at least one recorded entry, sorted.
func (s *Store) Keys() []Key {
	var keys []Key
	s.pairs.Range(func(k, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		if sl.pair != nil {
			keys = append(keys, k.(Key))
		}
		sl.mu.Unlock()
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Record appends the entry (sa, sb) for the pair {a, b}. Each state must be
// its side's last agreed state or its immediate valid successor.
func (s *Store) Record(a, b state.EntityID, sa, sb state.State) error {
	return s.RecordWithLineage(a, b, sa, sb, Lineage{})
}

// Apply replays a record.
func (s *Store) Apply(r Record) error {
	return s.RecordWithLineage(r.A, r.B, r.StateA, r.StateB, r.Lineage)
}

// RecordWithLineage appends the entry (sa, sb) for the pair {a, b}, using
// the lineage to verify sides that advanced by more than one state. On any
// rejection the pair is left unchanged.
func (s *Store) RecordWithLineage(a, b state.EntityID, sa, sb state.State, lin Lineage) error {
	return s.record(a, b, sa, sb, lin, true)
}

// Check runs every test RecordWithLineage would, without recording.
func (s *Store) Check(a, b state.EntityID, sa, sb state.State, lin Lineage) error {
	return s.record(a, b, sa, sb, lin, false)
}

func (s *Store) record(a, b state.EntityID, sa, sb state.State, lin Lineage, apply bool) error {
	if a == b {
		return state.Reject(state.Malformed, "relationship needs two distinct entities")
	}
	if sa.Owner != a || sb.Owner != b {
		return state.Reject(state.Malformed, "states are owned by %s and %s, not %s and %s", sa.Owner, sb.Owner, a, b)
	}
	if err := state.ValidateStructure(sa); err != nil {
		return err
	}
	if err := state.ValidateStructure(sb); err != nil {
		return err
	}
	k := KeyOf(a, b)
	if a != k.Lo {
		sa, sb = sb, sa
		lin.A, lin.B = lin.B, lin.A
	}

	sl := s.slot(k)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.pair == nil {
		pending := s.reconcile(sl.pending, lin, sa, sb)
		if isBilateral(sa, sb) && len(pending) > 0 {
			return pendingRejection(pending[0])
		}
		if !apply {
			return nil
		}
		sl.pair = &Pair{Key: k, LastA: sa, LastB: sb, History: []Entry{{A: sa, B: sb}}}
		sl.pending = pending
		return nil
	}

	pair := sl.pair
	movedA, err := s.advance(pair.LastA, sa, lin.A)
	if err != nil {
		return err
	}
	movedB, err := s.advance(pair.LastB, sb, lin.B)
	if err != nil {
		return err
	}
	if !movedA && !movedB {
		return state.Reject(state.SequenceGap, "entry for %s does not advance either side", k)
	}
	if movedA && movedB {
		if err := sameCommitment(sa, sb); err != nil {
			return err
		}
	}
	if movedA && movedB && isBilateral(sa, sb) {
		if err := s.checkIncorporated(pair.LastA, sa, lin.A, sb, lin.B); err != nil {
			return err
		}
		if err := s.checkIncorporated(pair.LastB, sb, lin.B, sa, lin.A); err != nil {
			return err
		}
	}
	pending := s.reconcile(sl.pending, lin, sa, sb)
	if isBilateral(sa, sb) && len(pending) > 0 {
		return pendingRejection(pending[0])
	}
	if !apply {
		return nil
	}

	pair.LastA, pair.LastB = sa, sb
	pair.History = append(pair.History, Entry{A: sa, B: sb})
	sl.pending = pending
	return nil
}

// advance verifies that next follows last through lineage. It reports
// whether the side moved at all.
func (s *Store) advance(last, next state.State, lineage []state.State) (bool, error) {
	if next.StateNumber == last.StateNumber && bytes.Equal(state.ID(s.p, next), state.ID(s.p, last)) {
		return false, nil
	}
	if next.StateNumber <= last.StateNumber {
		return false, state.Reject(state.SequenceGap,
			"state %d does not extend last agreed state %d", next.StateNumber, last.StateNumber).At(next.Owner, next.StateNumber)
	}
	walk := make([]state.State, 0, len(lineage)+2)
	walk = append(walk, last)
	walk = append(walk, between(lineage, last.StateNumber, next.StateNumber)...)
	walk = append(walk, next)
	if err := state.VerifySegment(s.p, walk); err != nil {
		return false, err
	}
	return true, nil
}

// sameCommitment checks that a bilateral entry's two states were finalized
// by the same co-signed commitment.
func sameCommitment(sa, sb state.State) error {
	aa, ab := sa.Attestation, sb.Attestation
	if aa == nil || ab == nil {
		return nil
	}
	if aa.Role == state.RoleInbound || ab.Role == state.RoleInbound {
		return nil
	}
	if !bytes.Equal(aa.CommitHash, ab.CommitHash) {
		return state.Reject(state.CommitmentMismatch, "entry states reference different commitments")
	}
	return nil
}

// checkIncorporated rejects an entry that would move one side past a
// unilateral state it published to the other before the other side applied it.
func (s *Store) checkIncorporated(last, next state.State, lineage []state.State, peerNext state.State, peerLineage []state.State) error {
	if next.StateNumber <= last.StateNumber {
		return nil
	}
	moved := append(between(lineage, last.StateNumber, next.StateNumber), next)
	for _, st := range moved {
		if !addressedTo(st, peerNext.Owner) {
			continue
		}
		if !incorporates(s.p, st, append(append([]state.State(nil), peerLineage...), peerNext)) {
			return state.Reject(state.PendingSyncRequired,
				"%s published state %d to %s, which has not been applied", st.Owner, st.StateNumber, peerNext.Owner).At(st.Owner, st.StateNumber)
		}
	}
	return nil
}

// between returns the states numbered strictly between lo and hi.
func between(states []state.State, lo, hi uint64) []state.State {
	var out []state.State
	for _, st := range states {
		if st.StateNumber > lo && st.StateNumber < hi {
			out = append(out, st)
		}
	}
	return out
}

// isBilateral reports whether both states were finalized by a co-signed
// commitment, as opposed to a unilateral publication or its incorporation.
func isBilateral(sa, sb state.State) bool {
	for _, a := range []*state.Attestation{sa.Attestation, sb.Attestation} {
		if a == nil || a.Anchor != nil || a.Role == state.RoleInbound {
			return false
		}
	}
	return true
}

func addressedTo(st state.State, to state.EntityID) bool {
	a := st.Attestation
	return a != nil && a.Anchor != nil && a.Anchor.Entity == to
}

func incorporates(p crypto.Primitives, published state.State, peerStates []state.State) bool {
	id := state.ID(p, published)
	for _, st := range peerStates {
		if a := st.Attestation; a != nil && a.Role == state.RoleInbound && bytes.Equal(a.Source, id) {
			return true
		}
	}
	return false
}

// reconcile drops pending publications that the entry's states show as
// incorporated.
func (s *Store) reconcile(pending []Published, lin Lineage, sa, sb state.State) []Published {
	if len(pending) == 0 {
		return nil
	}
	seen := append(append(append([]state.State(nil), lin.A...), lin.B...), sa, sb)
	var out []Published
	for _, pub := range pending {
		if !settled(pub, seen) {
			out = append(out, pub)
		}
	}
	return out
}

func settled(pub Published, states []state.State) bool {
	for _, st := range states {
		if pub.SettledBy(st) {
			return true
		}
	}
	return false
}

// MarkPublished notes that st, owned by the store's entity, was published to
// a peer outside a confirmed bilateral exchange. Bilateral entries between
// the two are refused until the peer is seen to have incorporated it.
func (s *Store) MarkPublished(to state.EntityID, st state.State) {
	pub := Published{
		From:        st.Owner,
		To:          to,
		StateNumber: st.StateNumber,
		ID:          state.ID(s.p, st),
	}
	if a := st.Attestation; a != nil && a.Anchor == nil && a.Role == state.RoleInitiator {
		pub.CommitHash = append([]byte(nil), a.CommitHash...)
	}
	sl := s.slot(KeyOf(st.Owner, to))
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, p := range sl.pending {
		if bytes.Equal(p.ID, pub.ID) {
			return
		}
	}
	sl.pending = append(sl.pending, pub)
}

// Pending returns unacknowledged publications between a and b.
func (s *Store) Pending(a, b state.EntityID) []Published {
	sl, ok := s.lookup(KeyOf(a, b))
	if !ok {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	out := make([]Published, len(sl.pending))
	copy(out, sl.pending)
	return out
}

// CheckSync fails with PendingSyncRequired if a new bilateral transaction
// between local and peer must wait for a unilateral publication to be
// applied first. peerLineage is what peer has shown of its chain since the
// last entry local knows about.
//
// Both directions are checked: local's own publications must appear as
// settled in peerLineage, and peerLineage must not contain a
// publication to local that local has yet to apply.
func (s *Store) CheckSync(local, peer state.EntityID, peerLineage []state.State) error {
	for _, pub := range s.Pending(local, peer) {
		if pub.From != local {
			continue
		}
		if !settled(pub, peerLineage) {
			return pendingRejection(pub)
		}
	}

	var known uint64
	hasKnown := false
	if pair, ok := s.Resume(local, peer); ok {
		known, hasKnown = pair.Last(peer).StateNumber, true
	}
	for _, st := range peerLineage {
		if hasKnown && st.StateNumber <= known {
			continue
		}
		if addressedTo(st, local) {
			return state.Reject(state.PendingSyncRequired,
				"%s published state %d to %s, which has not been applied", st.Owner, st.StateNumber, local).At(st.Owner, st.StateNumber)
		}
	}
	return nil
}

func pendingRejection(pub Published) error {
	return state.Reject(state.PendingSyncRequired,
		"%s has not incorporated published state %d", pub.To, pub.StateNumber).At(pub.From, pub.StateNumber)
}
