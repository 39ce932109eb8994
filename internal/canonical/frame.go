package canonical

import "encoding/binary"

// Domain tags for framed hash inputs. The version suffix leaves room for an
// algorithm migration without ambiguity between old and new digests.
const (
	DomainEntropy    = "dsm/entropy/v1"
	DomainState      = "dsm/state/v1"
	DomainStateID    = "dsm/state-id/v1"
	DomainCommit     = "dsm/commit/v1"
	DomainCosign     = "dsm/cosign/v1"
	DomainMarker     = "dsm/marker/v1"
	DomainAnchor     = "dsm/anchor/v1"
	DomainIndexLeaf  = "dsm/index/leaf/v1"
	DomainIndexNode  = "dsm/index/node/v1"
	DomainEphemeral  = "dsm/ephemeral-key/v1"
	DomainEnvelope   = "dsm/envelope/v1"
	DomainKEMSecret  = "dsm/kem/v1"
	DomainGenesisDev = "dsm/genesis/dev/v1"
)

// Frame builds one hash input as domain ‖ 0x00 ‖ (len(part) ‖ part)...
// The null separator keeps the domain/data boundary unambiguous and the 4-byte
// big-endian length prefixes do the same between parts.
func Frame(domain string, parts ...[]byte) []byte {
	n := len(domain) + 1
	for _, p := range parts {
		n += 4 + len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, domain...)
	out = append(out, 0x00)
	for _, p := range parts {
		out = binary.BigEndian.AppendUint32(out, uint32(len(p)))
		out = append(out, p...)
	}
	return out
}

// Uint64 returns the big-endian 8-byte encoding of n.
func Uint64(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}
