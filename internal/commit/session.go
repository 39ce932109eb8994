package commit

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/dsm/internal/canonical"
	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/state"
)

// Phase is the position of a session in its lifecycle.
type Phase int

const (
	Drafted Phase = iota
	AwaitingCosignature
	Finalized
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Drafted:
		return "drafted"
	case AwaitingCosignature:
		return "awaiting_cosignature"
	case Finalized:
		return "finalized"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrInvalidTransition is returned when a session is driven out of order.
var ErrInvalidTransition = errors.New("commit: invalid session transition")

// IDGenerator issues session IDs.
// Implemented by UUIDv7Generator (production) and testutil.SequentialSessionIDs (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator issues time-sortable UUIDv7 session IDs.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Session is the initiator's view of one pre-commitment.
//
// A Session is owned by a single goroutine; it is not safe for concurrent use.
type Session struct {
	ID           string
	Initiator    state.EntityID
	Counterparty state.EntityID
	Predecessor  state.State
	Operation    state.Operation
	NextEntropy  []byte
	CommitHash   []byte
	Deadline     time.Time

	phase       Phase
	reason      state.Reason
	cosignature []byte
}

// Draft computes the commitment for applying op on top of pred.
func Draft(p crypto.Primitives, id string, pred state.State, op state.Operation, counterparty state.EntityID, deadline time.Time) (*Session, error) {
	entropy, err := state.NextEntropy(p, pred.Entropy, op, pred.StateNumber+1)
	if err != nil {
		return nil, err
	}
	hash, err := state.CommitHash(p, state.ID(p, pred), op, entropy)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:           id,
		Initiator:    pred.Owner,
		Counterparty: counterparty,
		Predecessor:  pred,
		Operation:    op,
		NextEntropy:  entropy,
		CommitHash:   hash,
		Deadline:     deadline,
		phase:        Drafted,
	}, nil
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	return s.phase
}

// Reason returns why the session was aborted.
func (s *Session) Reason() state.Reason {
	return s.reason
}

// Cosignature returns the counterparty's signature once finalized.
func (s *Session) Cosignature() []byte {
	return s.cosignature
}

// Send seals the commit hash for the counterparty and moves the session to
// AwaitingCosignature.
func (s *Session) Send(p crypto.Primitives, counterpartyKey []byte) (crypto.Envelope, error) {
	if s.phase != Drafted {
		return crypto.Envelope{}, fmt.Errorf("%w: send from %s", ErrInvalidTransition, s.phase)
	}
	env, err := crypto.Seal(p, counterpartyKey, s.CommitHash, []byte(s.ID))
	if err != nil {
		return crypto.Envelope{}, err
	}
	s.phase = AwaitingCosignature
	return env, nil
}

// Finalize accepts the counterparty's reply. The echoed commit hash must be
// the one drafted and the cosignature must verify under the counterparty's
// long-term key; otherwise the session aborts.
func (s *Session) Finalize(p crypto.Primitives, counterpartyKey, echoed, cosignature []byte, now time.Time) error {
	if s.phase != AwaitingCosignature {
		return fmt.Errorf("%w: finalize from %s", ErrInvalidTransition, s.phase)
	}
	if s.Expired(now) {
		return s.fail(state.CounterpartyTimeout, "cosignature arrived after deadline")
	}
	if !bytes.Equal(echoed, s.CommitHash) {
		return s.fail(state.CommitmentMismatch, "counterparty derived a different commitment")
	}
	if !VerifyCosignature(p, counterpartyKey, s.CommitHash, cosignature) {
		return s.fail(state.SignatureInvalid, "cosignature does not verify")
	}
	s.cosignature = cosignature
	s.phase = Finalized
	return nil
}

// Abort ends the session. Aborting a finalized session is an error; aborting
// an aborted one is a no-op.
func (s *Session) Abort(reason state.Reason) error {
	switch s.phase {
	case Finalized:
		return fmt.Errorf("%w: abort from %s", ErrInvalidTransition, s.phase)
	case Aborted:
		return nil
	}
	s.phase = Aborted
	s.reason = reason
	return nil
}

// Expired reports whether the deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.Deadline.IsZero() && now.After(s.Deadline)
}

func (s *Session) fail(reason state.Reason, msg string) error {
	s.phase = Aborted
	s.reason = reason
	return state.Reject(reason, "session %s: %s", s.ID, msg).At(s.Initiator, s.Predecessor.StateNumber+1)
}

// Attestation returns the initiator-role attestation for the finalized
// successor state.
func (s *Session) Attestation() (state.Attestation, error) {
	if s.phase != Finalized {
		return state.Attestation{}, fmt.Errorf("%w: attestation from %s", ErrInvalidTransition, s.phase)
	}
	return state.Attestation{
		Role:         state.RoleInitiator,
		CommitHash:   s.CommitHash,
		Cosignatures: []state.Cosignature{{Entity: s.Counterparty, Signature: s.cosignature}},
	}, nil
}

// Recompute is the counterparty's independent derivation of the commit hash
// and the successor entropy from its own copy of pred and op.
func Recompute(p crypto.Primitives, pred state.State, op state.Operation) (hash, nextEntropy []byte, err error) {
	nextEntropy, err = state.NextEntropy(p, pred.Entropy, op, pred.StateNumber+1)
	if err != nil {
		return nil, nil, err
	}
	hash, err = state.CommitHash(p, state.ID(p, pred), op, nextEntropy)
	if err != nil {
		return nil, nil, err
	}
	return hash, nextEntropy, nil
}

// Open decrypts a sealed commit hash addressed to key.
func Open(p crypto.Primitives, key crypto.PrivateKey, sessionID string, env crypto.Envelope) ([]byte, error) {
	return crypto.Open(p, key, env, []byte(sessionID))
}

func cosignPayload(commitHash []byte) []byte {
	return canonical.Frame(canonical.DomainCosign, commitHash)
}

// Cosign signs a commit hash with a long-term key.
func Cosign(p crypto.Primitives, key crypto.PrivateKey, commitHash []byte) ([]byte, error) {
	return p.Sign(key, cosignPayload(commitHash))
}

// VerifyCosignature checks a cosignature over commitHash.
func VerifyCosignature(p crypto.Primitives, key, commitHash, sig []byte) bool {
	return p.Verify(key, sig, cosignPayload(commitHash))
}
