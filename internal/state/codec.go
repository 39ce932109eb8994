package state

import (
	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Encode serializes s in the binary form used on the wire and in the journal.
func Encode(s State) ([]byte, error) {
	data, err := cramberry.Marshal(s)
	if err != nil {
		return nil, Reject(Malformed, "encode state: %v", err).At(s.Owner, s.StateNumber)
	}
	return data, nil
}

// Decode parses a state and checks its structure. Any failure is Malformed
// (or NegativeBalance for a structurally sound state carrying a negative
// balance), reported before invariant checks run.
func Decode(data []byte) (State, error) {
	var s State
	if err := cramberry.Unmarshal(data, &s); err != nil {
		return State{}, Reject(Malformed, "decode state: %v", err)
	}
	if err := ValidateStructure(s); err != nil {
		return State{}, err
	}
	return s, nil
}

// EncodeMarker serializes an invalidation marker.
func EncodeMarker(m InvalidationMarker) ([]byte, error) {
	data, err := cramberry.Marshal(m)
	if err != nil {
		return nil, Reject(Malformed, "encode marker: %v", err)
	}
	return data, nil
}

// DecodeMarker parses an invalidation marker.
func DecodeMarker(data []byte) (InvalidationMarker, error) {
	var m InvalidationMarker
	if err := cramberry.Unmarshal(data, &m); err != nil {
		return InvalidationMarker{}, Reject(Malformed, "decode marker: %v", err)
	}
	if m.Entity == "" || len(m.StateHash) == 0 {
		return InvalidationMarker{}, Reject(Malformed, "marker missing entity or state hash")
	}
	return m, nil
}
