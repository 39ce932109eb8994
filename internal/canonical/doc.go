// Package canonical produces the deterministic byte encodings that every hash
// in the state machine is computed over.
//
// Two rules hold for everything hashed by the core:
//   - Structured values (operations, state content) are encoded as RFC 8785
//     canonical JSON: keys ordered by UTF-16 code units, strings NFC-normalized,
//     no floats, no null.
//   - Hash inputs are framed with a versioned domain tag and a 0x00 separator
//     (see Frame) so that an entropy input can never collide with a commit or
//     state input of the same bytes.
package canonical
