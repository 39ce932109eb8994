package commit

import (
	"bytes"
	"encoding/hex"
	"sync"

	"github.com/roach88/dsm/internal/state"
)

type reservation struct {
	session    string
	commitHash []byte
	consumed   bool
}

// Tracker records which commitment each predecessor state is bound to.
//
// The initiator reserves its own head before sending a commitment; the
// counterparty reserves the initiator's predecessor before co-signing. A
// second, different commitment on the same predecessor is refused with
// CommitmentMismatch, which is what stops one state from spawning two
// finalized successors.
//
// Thread-safety: safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	preds map[string]*reservation
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{preds: make(map[string]*reservation)}
}

func trackerKey(predID []byte) string {
	return hex.EncodeToString(predID)
}

// Reserve binds predID to commitHash for session. Reserving the same
// commitment again is allowed, so a retried session with identical
// parameters goes through.
func (t *Tracker) Reserve(predID, commitHash []byte, session string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := trackerKey(predID)
	if r, ok := t.preds[k]; ok {
		if !bytes.Equal(r.commitHash, commitHash) {
			if r.consumed {
				return state.Reject(state.CommitmentMismatch, "predecessor already consumed by another commitment")
			}
			return state.Reject(state.CommitmentMismatch, "predecessor reserved by session %s", r.session)
		}
		r.session = session
		return nil
	}
	t.preds[k] = &reservation{session: session, commitHash: append([]byte(nil), commitHash...)}
	return nil
}

// Consume marks the reservation on predID as used by a finalized state.
func (t *Tracker) Consume(predID, commitHash []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.preds[trackerKey(predID)]
	if !ok {
		t.preds[trackerKey(predID)] = &reservation{commitHash: append([]byte(nil), commitHash...), consumed: true}
		return nil
	}
	if !bytes.Equal(r.commitHash, commitHash) {
		return state.Reject(state.CommitmentMismatch, "predecessor bound to a different commitment")
	}
	r.consumed = true
	return nil
}

// Release drops an unconsumed reservation held by session. Consumed
// reservations are permanent.
func (t *Tracker) Release(predID []byte, session string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := trackerKey(predID)
	if r, ok := t.preds[k]; ok && !r.consumed && r.session == session {
		delete(t.preds, k)
	}
}

// Reserved reports whether predID is bound to any commitment.
func (t *Tracker) Reserved(predID []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.preds[trackerKey(predID)]
	return ok
}
