package state

import (
	"github.com/roach88/dsm/internal/canonical"
)

// InvalidationMarker prunes a compromised chain tail at StateNumber. Once a
// marker is known, no state may be appended whose predecessor index is at or
// beyond it. Markers are written by the external recovery collaborator.
type InvalidationMarker struct {
	Entity         EntityID `cramberry:"1" json:"entity"`
	StateNumber    uint64   `cramberry:"2" json:"state_number"`
	StateHash      []byte   `cramberry:"3" json:"state_hash"`
	NewEntropySeed []byte   `cramberry:"4" json:"new_entropy_seed"`
	Signature      []byte   `cramberry:"5" json:"signature"`
}

// SigningPayload is the byte string the marker signature covers.
func (m InvalidationMarker) SigningPayload() []byte {
	return canonical.Frame(canonical.DomainMarker,
		[]byte(m.Entity),
		canonical.Uint64(m.StateNumber),
		m.StateHash,
		m.NewEntropySeed,
	)
}
