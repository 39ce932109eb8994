package state

import (
	"errors"
	"fmt"
)

// Reason classifies a rejection. Every reason is local and recoverable.
type Reason string

const (
	// HashMismatch: a hash link or content hash does not match.
	HashMismatch Reason = "HashMismatch"
	// EntropyMismatch: entropy is not the deterministic evolution of the predecessor's.
	EntropyMismatch Reason = "EntropyMismatch"
	// SequenceGap: state number is not exactly head+1.
	SequenceGap Reason = "SequenceGap"
	// NegativeBalance: the transition would drive the balance below zero.
	NegativeBalance Reason = "NegativeBalance"
	// BalanceMismatch: the recorded balance is not predecessor balance plus delta.
	BalanceMismatch Reason = "BalanceMismatch"
	// StaleTimestamp: timestamp does not strictly increase.
	StaleTimestamp Reason = "StaleTimestamp"
	// SignatureInvalid: a state signature or cosignature does not verify.
	SignatureInvalid Reason = "SignatureInvalid"
	// CommitmentViolation: operation lies outside the predecessor's forward commitment.
	CommitmentViolation Reason = "CommitmentViolation"
	// CommitmentMismatch: a pre-commitment hash differs or its predecessor is already committed.
	CommitmentMismatch Reason = "CommitmentMismatch"
	// PendingSyncRequired: a unilateral publication must be incorporated first.
	PendingSyncRequired Reason = "PendingSyncRequired"
	// CounterpartyTimeout: the bilateral session expired before cosignature.
	CounterpartyTimeout Reason = "CounterpartyTimeout"
	// RecoveryMarkerExceeded: the chain may not be extended past an invalidation marker.
	RecoveryMarkerExceeded Reason = "RecoveryMarkerExceeded"
	// Declined: the counterparty explicitly refused to cosign.
	Declined Reason = "Declined"
	// UnknownAnchor: no identity anchor is published for the unilateral recipient.
	UnknownAnchor Reason = "UnknownAnchor"
	// Malformed: input failed structural decoding before invariant checks.
	Malformed Reason = "Malformed"
)

// Rejection is the single error type for invariant violations.
type Rejection struct {
	Reason  Reason
	Message string

	// Entity and StateNumber locate the rejected state when known.
	Entity      EntityID
	StateNumber uint64
}

// Error implements the error interface.
func (e *Rejection) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s (entity=%s, state=%d)", e.Reason, e.Message, e.Entity, e.StateNumber)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Reject builds a Rejection with a formatted message.
func Reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// At returns a copy of e located at the given state.
func (e *Rejection) At(entity EntityID, n uint64) *Rejection {
	cp := *e
	cp.Entity = entity
	cp.StateNumber = n
	return &cp
}

// ReasonOf extracts the rejection reason from err, following wraps.
func ReasonOf(err error) (Reason, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason, true
	}
	return "", false
}

// IsReason reports whether err is a Rejection with the given reason.
func IsReason(err error, reason Reason) bool {
	got, ok := ReasonOf(err)
	return ok && got == reason
}
