// Package crypto defines the cryptographic primitives the state machine
// consumes and provides the default implementation.
//
// The core never depends on a concrete algorithm: it receives a Primitives
// value. The default Suite uses
//   - SHA3-256 for H,
//   - Schnorr signatures over the Ed25519 group (go.dedis.ch/kyber),
//   - a Diffie-Hellman KEM over the same group with an HKDF-SHA3 key schedule.
//
// Ephemeral per-state signing keys are derived from state entropy and must be
// used through WithEphemeralKey, which erases the key on every exit path.
package crypto
