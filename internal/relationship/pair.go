package relationship

import (
	"bytes"

	"github.com/roach88/dsm/internal/state"
)

// Key identifies an unordered pair of entities. Lo sorts before Hi.
type Key struct {
	Lo, Hi state.EntityID
}

// KeyOf returns the key of the pair {a, b}.
func KeyOf(a, b state.EntityID) Key {
	if b < a {
		a, b = b, a
	}
	return Key{Lo: a, Hi: b}
}

func (k Key) String() string {
	return string(k.Lo) + "|" + string(k.Hi)
}

// Entry is one agreed state pair. A holds Lo's state and B holds Hi's.
type Entry struct {
	A state.State `cramberry:"1" json:"a"`
	B state.State `cramberry:"2" json:"b"`
}

// Bilateral reports whether the entry came from a co-signed exchange that
// both sides recorded.
func (e Entry) Bilateral() bool {
	return isBilateral(e.A, e.B)
}

// Of returns the state of entity in the entry.
func (e Entry) Of(entity state.EntityID) state.State {
	if entity == e.A.Owner {
		return e.A
	}
	return e.B
}

// Pair is the relationship between two entities as seen by one store.
type Pair struct {
	Key     Key
	LastA   state.State
	LastB   state.State
	History []Entry
}

// Last returns the last agreed state of entity, which must be a member.
func (p Pair) Last(entity state.EntityID) state.State {
	if entity == p.Key.Lo {
		return p.LastA
	}
	return p.LastB
}

// Lineage carries the states each side produced between its last agreed
// state and the state being recorded, exclusive at both ends. A side that
// moved by exactly one state has an empty lineage.
type Lineage struct {
	A []state.State `cramberry:"1" json:"a,omitempty"`
	B []state.State `cramberry:"2" json:"b,omitempty"`
}

// Record is one call to RecordWithLineage, kept so a store can be rebuilt
// by replaying them in order. A and B are in the caller's order.
type Record struct {
	A       state.EntityID `cramberry:"1" json:"a"`
	B       state.EntityID `cramberry:"2" json:"b"`
	StateA  state.State    `cramberry:"3" json:"state_a"`
	StateB  state.State    `cramberry:"4" json:"state_b"`
	Lineage Lineage        `cramberry:"5" json:"lineage"`
}

// Published is a state this store's owner published to a peer that the
// peer has not yet been seen to incorporate. Besides unilateral states it
// covers cosigned states whose Confirm never reached the peer; for those
// CommitHash is set.
type Published struct {
	From        state.EntityID `cramberry:"1" json:"from"`
	To          state.EntityID `cramberry:"2" json:"to"`
	StateNumber uint64         `cramberry:"3" json:"state_number"`
	ID          []byte         `cramberry:"4" json:"id"`
	CommitHash  []byte         `cramberry:"5" json:"commit_hash,omitempty"`
}

// SettledBy reports whether st, a state of the recipient, shows pub as
// applied: an inbound state sourced from it, or the recipient's half of the
// same cosigned commitment.
func (pub Published) SettledBy(st state.State) bool {
	a := st.Attestation
	if a == nil || st.Owner != pub.To {
		return false
	}
	switch a.Role {
	case state.RoleInbound:
		return bytes.Equal(a.Source, pub.ID)
	case state.RoleResponder:
		return len(pub.CommitHash) > 0 && bytes.Equal(a.CommitHash, pub.CommitHash)
	}
	return false
}

func (p Pair) clone() Pair {
	out := p
	out.History = make([]Entry, len(p.History))
	copy(out.History, p.History)
	return out
}
