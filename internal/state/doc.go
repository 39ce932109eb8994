// Package state implements the per-entity state chain.
//
// A chain is an append-only slice of States indexed by state number. Each
// accepted successor S(n+1) of S(n) satisfies, deterministically and without
// side effects on rejection:
//
//  1. S(n+1).PrevHash == ID(S(n))
//  2. S(n+1).Entropy  == H(S(n).Entropy ‖ op(n+1) ‖ n+1)
//  3. S(n+1).StateNumber == S(n).StateNumber + 1
//  4. S(n+1).Balance == S(n).Balance + delta(op), and is never negative
//  5. S(n+1).Timestamp > S(n).Timestamp
//  6. S(n+1).Signature verifies under the ephemeral key derived from S(n).Entropy
//  7. if S(n) carries a forward commitment, op(n+1) lies inside it
//
// Rejections are *Rejection values carrying a Reason. No rejection is fatal:
// the chain is left exactly as it was and the caller may retry or abort.
//
// Chains are single-writer. The mutex inside Chain only serializes the
// check-and-append step so that two racing sessions of the same owner cannot
// both extend the same head; the loser is rejected, not blocked.
package state
