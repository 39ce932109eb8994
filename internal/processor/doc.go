// Package processor runs one entity's side of the protocol.
//
// A Processor owns a hash chain, the sparse index over it, and the
// relationship store holding the last agreed state pair with every
// counterparty. Transact is the single entry point for new transitions:
//
//	res, err := alice.Transact(ctx, state.Transfer("bob", 30), processor.Peer(bob))
//
// With the counterparty present the transition is bilateral. The initiator
// seals a pre-commitment hash to the counterparty, which verifies the
// initiator's history, recomputes the hash and cosigns. Each side then
// appends its mirrored half. If the counterparty never receives the
// initiator's finalized state, that state is published and the counterparty
// settles it later, so neither side is left holding a one-sided entry.
// With only a directory reachable the transition
// is unilateral: it is final for the sender as soon as it is appended, and
// the recipient incorporates it on its next RecipientSync.
//
// Rejections are *state.Rejection values carrying a state.Reason. A
// rejected transition never leaves a partial write behind.
package processor
