package state

import (
	"github.com/roach88/dsm/internal/crypto"
)

// DraftOption customizes a candidate built by Next.
type DraftOption func(*State)

// WithForward attaches a forward commitment constraining the following state.
func WithForward(f ForwardCommitment) DraftOption {
	return func(s *State) {
		s.Forward = &f
	}
}

// WithAttestation attaches the commitment that finalizes the candidate.
func WithAttestation(a Attestation) DraftOption {
	return func(s *State) {
		s.Attestation = &a
	}
}

// Next builds the unsigned successor of pred applying op at timestamp ts.
//
// The balance is computed, not checked: a candidate that would go negative is
// still returned so that Append rejects it with NegativeBalance.
func Next(p crypto.Primitives, pred State, op Operation, ts uint64, opts ...DraftOption) (State, error) {
	n := pred.StateNumber + 1
	entropy, err := NextEntropy(p, pred.Entropy, op, n)
	if err != nil {
		return State{}, err
	}
	balance, ok := addBalance(pred.Balance, op.Delta())
	if !ok {
		return State{}, Reject(Malformed, "balance overflow").At(pred.Owner, n)
	}
	cand := State{
		Owner:       pred.Owner,
		StateNumber: n,
		Entropy:     entropy,
		PrevHash:    ID(p, pred),
		Operation:   op,
		Balance:     balance,
		Timestamp:   ts,
	}
	for _, opt := range opts {
		opt(&cand)
	}
	vh, err := VerificationHash(p, cand)
	if err != nil {
		return State{}, err
	}
	cand.VerificationHash = vh
	return cand, nil
}

// Sign signs cand with the ephemeral key derived from pred's entropy.
// The key exists only for the duration of the call.
func Sign(p crypto.Primitives, pred State, cand *State) error {
	return crypto.WithEphemeralKey(p, pred.Entropy, func(key crypto.PrivateKey) error {
		sig, err := p.Sign(key, cand.VerificationHash)
		if err != nil {
			return err
		}
		cand.Signature = sig
		return nil
	})
}

// Successor is Next followed by Sign.
func Successor(p crypto.Primitives, pred State, op Operation, ts uint64, opts ...DraftOption) (State, error) {
	cand, err := Next(p, pred, op, ts, opts...)
	if err != nil {
		return State{}, err
	}
	if err := Sign(p, pred, &cand); err != nil {
		return State{}, err
	}
	return cand, nil
}

// Seal fills in the verification hash of a state built field by field, such
// as a genesis state handed over by the genesis collaborator.
func Seal(p crypto.Primitives, s State) (State, error) {
	vh, err := VerificationHash(p, s)
	if err != nil {
		return State{}, err
	}
	s.VerificationHash = vh
	return s, nil
}
