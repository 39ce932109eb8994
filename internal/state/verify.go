package state

import (
	"bytes"
	"math"

	"github.com/roach88/dsm/internal/crypto"
)

// VerifyTransition checks invariants 1-7 for cand as the successor of pred.
// It is pure: nothing is mutated whatever the outcome.
//
// Checks run in a fixed order so a given bad input always yields the same
// reason. Hash links are checked before entropy and balance, and the
// signature last.
func VerifyTransition(p crypto.Primitives, pred, cand State) error {
	if err := ValidateStructure(cand); err != nil {
		return err
	}
	reject := func(reason Reason, format string, args ...any) error {
		return Reject(reason, format, args...).At(cand.Owner, cand.StateNumber)
	}
	if cand.Owner != pred.Owner {
		return reject(Malformed, "owner %s does not match predecessor owner %s", cand.Owner, pred.Owner)
	}
	if cand.StateNumber != pred.StateNumber+1 {
		return reject(SequenceGap, "expected state %d, got %d", pred.StateNumber+1, cand.StateNumber)
	}

	predHash, err := VerificationHash(p, pred)
	if err != nil {
		return err
	}
	if !bytes.Equal(predHash, pred.VerificationHash) {
		return reject(HashMismatch, "predecessor content does not match its verification hash")
	}
	predID := ID(p, pred)
	if !bytes.Equal(cand.PrevHash, predID) {
		return reject(HashMismatch, "prev hash does not match predecessor")
	}
	vh, err := VerificationHash(p, cand)
	if err != nil {
		return err
	}
	if !bytes.Equal(vh, cand.VerificationHash) {
		return reject(HashMismatch, "verification hash does not match content")
	}

	entropy, err := NextEntropy(p, pred.Entropy, cand.Operation, cand.StateNumber)
	if err != nil {
		return err
	}
	if !bytes.Equal(entropy, cand.Entropy) {
		return reject(EntropyMismatch, "entropy is not evolved from predecessor")
	}

	expected, ok := addBalance(pred.Balance, cand.Operation.Delta())
	if !ok {
		return reject(Malformed, "balance overflow")
	}
	if expected < 0 {
		return reject(NegativeBalance, "balance %d would become %d", pred.Balance, expected)
	}
	if cand.Balance != expected {
		return reject(BalanceMismatch, "balance %d, expected %d", cand.Balance, expected)
	}

	if cand.Timestamp <= pred.Timestamp {
		return reject(StaleTimestamp, "timestamp %d not after %d", cand.Timestamp, pred.Timestamp)
	}

	if pred.Forward != nil {
		if ok, why := pred.Forward.Permits(cand.Operation); !ok {
			return reject(CommitmentViolation, "%s", why)
		}
	}

	if a := cand.Attestation; a != nil && a.Role == RoleInitiator {
		commit, err := CommitHash(p, predID, cand.Operation, cand.Entropy)
		if err != nil {
			return err
		}
		if !bytes.Equal(commit, a.CommitHash) {
			return reject(CommitmentMismatch, "attested commit hash does not match transition")
		}
	}

	pub := crypto.EphemeralPublicKey(p, pred.Entropy)
	if !p.Verify(pub, cand.Signature, cand.VerificationHash) {
		return reject(SignatureInvalid, "signature does not verify under predecessor's ephemeral key")
	}
	return nil
}

// Verify reports whether next is a valid successor of prev.
func Verify(p crypto.Primitives, prev, next State) bool {
	return VerifyTransition(p, prev, next) == nil
}

// VerifySegment re-walks states in order, checking every link. The first
// state is trusted as the starting point; it is typically a checkpoint or a
// state already recorded in a relationship.
func VerifySegment(p crypto.Primitives, states []State) error {
	for i := 1; i < len(states); i++ {
		if err := VerifyTransition(p, states[i-1], states[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGenesis checks that s is a well-formed state 0.
func ValidateGenesis(p crypto.Primitives, s State) error {
	if err := ValidateStructure(s); err != nil {
		return err
	}
	if !s.IsGenesis() {
		return Reject(SequenceGap, "genesis must be state 0, got %d", s.StateNumber).At(s.Owner, s.StateNumber)
	}
	if len(s.PrevHash) != 0 {
		return Reject(HashMismatch, "genesis has a prev hash").At(s.Owner, 0)
	}
	vh, err := VerificationHash(p, s)
	if err != nil {
		return err
	}
	if !bytes.Equal(vh, s.VerificationHash) {
		return Reject(HashMismatch, "genesis verification hash does not match content").At(s.Owner, 0)
	}
	return nil
}

func addBalance(balance, delta int64) (int64, bool) {
	if delta > 0 && balance > math.MaxInt64-delta {
		return 0, false
	}
	if delta < 0 && balance < math.MinInt64-delta {
		return 0, false
	}
	return balance + delta, true
}
