package state

import (
	"github.com/roach88/dsm/internal/canonical"
	"github.com/roach88/dsm/internal/crypto"
)

// OperationValue returns the canonical form of op.
func OperationValue(op Operation) canonical.Value {
	obj := canonical.Object{
		"kind":   canonical.String(op.Kind),
		"amount": canonical.Int(op.Amount),
	}
	if op.Counterparty != "" {
		obj["counterparty"] = canonical.String(op.Counterparty)
	}
	if op.Memo != "" {
		obj["memo"] = canonical.String(op.Memo)
	}
	if len(op.Params) > 0 {
		params := make(canonical.Object, len(op.Params))
		for _, p := range op.Params {
			params[p.Key] = canonical.String(p.Value)
		}
		obj["params"] = params
	}
	return obj
}

func forwardValue(f *ForwardCommitment) canonical.Value {
	kinds := make(canonical.Array, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = canonical.String(k)
	}
	parties := make(canonical.Array, len(f.Counterparties))
	for i, c := range f.Counterparties {
		parties[i] = canonical.String(c)
	}
	params := make(canonical.Array, len(f.Params))
	for i, p := range f.Params {
		values := make(canonical.Array, len(p.Values))
		for j, v := range p.Values {
			values[j] = canonical.String(v)
		}
		params[i] = canonical.Object{"key": canonical.String(p.Key), "values": values}
	}
	return canonical.Object{
		"kinds":          kinds,
		"counterparties": parties,
		"max_amount":     canonical.Int(f.MaxAmount),
		"params":         params,
	}
}

func attestationValue(a *Attestation) canonical.Value {
	cosigs := make(canonical.Array, len(a.Cosignatures))
	for i, c := range a.Cosignatures {
		cosigs[i] = canonical.Object{
			"entity":    canonical.String(c.Entity),
			"signature": canonical.Bytes(c.Signature),
		}
	}
	obj := canonical.Object{
		"role":         canonical.String(a.Role),
		"commit_hash":  canonical.Bytes(a.CommitHash),
		"cosignatures": cosigs,
	}
	if a.Anchor != nil {
		obj["anchor"] = canonical.Object{
			"entity":      canonical.String(a.Anchor.Entity),
			"anchor_hash": canonical.Bytes(a.Anchor.AnchorHash),
		}
	}
	if len(a.Source) > 0 {
		obj["source"] = canonical.Bytes(a.Source)
	}
	return obj
}

// contentValue is everything the verification hash covers: all fields except
// the verification hash itself and the signature.
func contentValue(s State) canonical.Value {
	obj := canonical.Object{
		"owner":        canonical.String(s.Owner),
		"state_number": canonical.Int(int64(s.StateNumber)),
		"entropy":      canonical.Bytes(s.Entropy),
		"prev_hash":    canonical.Bytes(s.PrevHash),
		"operation":    OperationValue(s.Operation),
		"balance":      canonical.Int(s.Balance),
		"timestamp":    canonical.Int(int64(s.Timestamp)),
	}
	if s.Forward != nil {
		obj["forward"] = forwardValue(s.Forward)
	}
	if s.Attestation != nil {
		obj["attestation"] = attestationValue(s.Attestation)
	}
	return obj
}

// VerificationHash computes the content hash of s. The state signature is
// made over this value.
func VerificationHash(p crypto.Primitives, s State) ([]byte, error) {
	content, err := canonical.Marshal(contentValue(s))
	if err != nil {
		return nil, Reject(Malformed, "encode state content: %v", err).At(s.Owner, s.StateNumber)
	}
	return p.Hash(canonical.Frame(canonical.DomainState, content)), nil
}

// ID is H(S): the hash a successor stores as PrevHash. It covers the
// verification hash and the signature, so it commits to every field.
func ID(p crypto.Primitives, s State) []byte {
	return p.Hash(canonical.Frame(canonical.DomainStateID, s.VerificationHash, s.Signature))
}

// NextEntropy evolves entropy for state number n from its predecessor's.
func NextEntropy(p crypto.Primitives, prevEntropy []byte, op Operation, n uint64) ([]byte, error) {
	opBytes, err := canonical.Marshal(OperationValue(op))
	if err != nil {
		return nil, Reject(Malformed, "encode operation: %v", err)
	}
	return p.Hash(canonical.Frame(canonical.DomainEntropy, prevEntropy, opBytes, canonical.Uint64(n))), nil
}

// CommitHash is H(H(S_n) ‖ op ‖ entropy_{n+1}): the pre-commitment both
// parties must derive independently before a transition is finalized.
func CommitHash(p crypto.Primitives, predID []byte, op Operation, nextEntropy []byte) ([]byte, error) {
	opBytes, err := canonical.Marshal(OperationValue(op))
	if err != nil {
		return nil, Reject(Malformed, "encode operation: %v", err)
	}
	return p.Hash(canonical.Frame(canonical.DomainCommit, predID, opBytes, nextEntropy)), nil
}
