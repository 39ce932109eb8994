// Package commit implements the pre-commitment protocol that finalizes a
// state transition between two entities.
//
// Lifecycle of a session, driven by the initiator:
//
//	Drafted -> AwaitingCosignature -> Finalized
//	        \                      \-> Aborted
//	         \-> Aborted
//
// The commit hash H(H(S_n) ‖ op ‖ entropy_{n+1}) is computed by the initiator
// and recomputed independently by the counterparty from its own copy of the
// parameters. Only an equal hash is co-signed. A predecessor may be consumed
// by at most one finalized commitment; the Tracker enforces this on both
// sides.
//
// Aborting never touches a chain or relationship: sessions hold drafts only.
package commit
