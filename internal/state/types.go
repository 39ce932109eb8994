package state

import (
	"bytes"
	"math"
	"slices"
)

// EntityID identifies a sovereign identity. It is assigned by the genesis
// collaborator and is never reused.
type EntityID string

// OpKind names an operation type.
type OpKind string

const (
	OpGenesis  OpKind = "genesis"
	OpTransfer OpKind = "transfer"
	OpReceive  OpKind = "receive"
	OpGeneric  OpKind = "generic"
)

// Param is one operation parameter. Keys are unique within an operation.
type Param struct {
	Key   string `cramberry:"1" json:"key" yaml:"key"`
	Value string `cramberry:"2" json:"value" yaml:"value"`
}

// Operation describes the transition a state applies.
type Operation struct {
	Kind         OpKind   `cramberry:"1" json:"kind"`
	Counterparty EntityID `cramberry:"2" json:"counterparty,omitempty"`
	// Amount is the magnitude moved; the sign comes from Kind.
	Amount int64   `cramberry:"3" json:"amount,omitempty"`
	Memo   string  `cramberry:"4" json:"memo,omitempty"`
	Params []Param `cramberry:"5" json:"params,omitempty"`
}

// Transfer returns an outgoing value transfer to counterparty.
func Transfer(to EntityID, amount int64) Operation {
	return Operation{Kind: OpTransfer, Counterparty: to, Amount: amount}
}

// Receive returns the incoming mirror of a transfer from counterparty.
func Receive(from EntityID, amount int64) Operation {
	return Operation{Kind: OpReceive, Counterparty: from, Amount: amount}
}

// Delta is the signed balance change the operation applies.
func (op Operation) Delta() int64 {
	switch op.Kind {
	case OpTransfer:
		return -op.Amount
	case OpReceive:
		return op.Amount
	}
	return 0
}

// Param returns the value of key and whether it is present.
func (op Operation) Param(key string) (string, bool) {
	for _, p := range op.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// PermittedParam lists the values a parameter may take under a forward commitment.
type PermittedParam struct {
	Key    string   `cramberry:"1" json:"key" yaml:"key"`
	Values []string `cramberry:"2" json:"values" yaml:"values"`
}

// ForwardCommitment constrains the operation of the next state.
// Empty lists and a zero MaxAmount are unconstrained.
type ForwardCommitment struct {
	Kinds          []OpKind         `cramberry:"1" json:"kinds,omitempty" yaml:"kinds"`
	Counterparties []EntityID       `cramberry:"2" json:"counterparties,omitempty" yaml:"counterparties"`
	MaxAmount      int64            `cramberry:"3" json:"max_amount,omitempty" yaml:"max_amount"`
	Params         []PermittedParam `cramberry:"4" json:"params,omitempty" yaml:"params"`
}

// Permits reports whether op's parameters are a subset of the commitment.
// The returned string explains the first violation.
func (f ForwardCommitment) Permits(op Operation) (bool, string) {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, op.Kind) {
		return false, "kind " + string(op.Kind) + " not committed"
	}
	if len(f.Counterparties) > 0 && !slices.Contains(f.Counterparties, op.Counterparty) {
		return false, "counterparty " + string(op.Counterparty) + " not committed"
	}
	if f.MaxAmount > 0 && op.Amount > f.MaxAmount {
		return false, "amount exceeds committed maximum"
	}
	for _, p := range op.Params {
		idx := slices.IndexFunc(f.Params, func(pp PermittedParam) bool { return pp.Key == p.Key })
		if idx < 0 {
			return false, "param " + p.Key + " not committed"
		}
		if !slices.Contains(f.Params[idx].Values, p.Value) {
			return false, "param " + p.Key + " value not committed"
		}
	}
	return true, ""
}

// Role records how a state's transition was attested.
type Role string

const (
	// RoleInitiator: the owner drafted the commitment over its own predecessor.
	RoleInitiator Role = "initiator"
	// RoleResponder: the owner co-signed a counterparty's commitment and mirrors it.
	RoleResponder Role = "responder"
	// RoleInbound: the owner incorporates a unilateral publication addressed to it.
	RoleInbound Role = "inbound"
)

// Cosignature is a long-term-key signature over a commit hash.
type Cosignature struct {
	Entity    EntityID `cramberry:"1" json:"entity"`
	Signature []byte   `cramberry:"2" json:"signature"`
}

// AnchorRef points at a recipient's published identity anchor.
type AnchorRef struct {
	Entity     EntityID `cramberry:"1" json:"entity"`
	AnchorHash []byte   `cramberry:"2" json:"anchor_hash"`
}

// Attestation binds a state to the commitment that finalized it.
type Attestation struct {
	Role         Role          `cramberry:"1" json:"role"`
	CommitHash   []byte        `cramberry:"2" json:"commit_hash"`
	Cosignatures []Cosignature `cramberry:"3" json:"cosignatures,omitempty"`
	// Anchor replaces the counterparty cosignature on the unilateral path.
	Anchor *AnchorRef `cramberry:"4" json:"anchor,omitempty"`
	// Source is the ID of the published state an inbound state incorporates.
	Source []byte `cramberry:"5" json:"source,omitempty"`
}

// Cosignature returns the cosignature made by entity, if any.
func (a *Attestation) Cosignature(entity EntityID) ([]byte, bool) {
	if a == nil {
		return nil, false
	}
	for _, c := range a.Cosignatures {
		if c.Entity == entity {
			return c.Signature, true
		}
	}
	return nil, false
}

// State is one node of an entity's chain.
type State struct {
	Owner            EntityID           `cramberry:"1" json:"owner"`
	StateNumber      uint64             `cramberry:"2" json:"state_number"`
	Entropy          []byte             `cramberry:"3" json:"entropy"`
	PrevHash         []byte             `cramberry:"4" json:"prev_hash,omitempty"`
	Operation        Operation          `cramberry:"5" json:"operation"`
	Balance          int64              `cramberry:"6" json:"balance"`
	Timestamp        uint64             `cramberry:"7" json:"timestamp"`
	Forward          *ForwardCommitment `cramberry:"8" json:"forward,omitempty"`
	Attestation      *Attestation       `cramberry:"9" json:"attestation,omitempty"`
	VerificationHash []byte             `cramberry:"10" json:"verification_hash"`
	Signature        []byte             `cramberry:"11" json:"signature,omitempty"`
}

// IsGenesis reports whether s is the first state of its chain.
func (s State) IsGenesis() bool {
	return s.StateNumber == 0
}

// Equal reports whether two states are identical field by field, as far as
// the content hash and signature are concerned.
func (s State) Equal(o State) bool {
	return bytes.Equal(s.VerificationHash, o.VerificationHash) && bytes.Equal(s.Signature, o.Signature)
}

// ValidateStructure checks the shape of s before any invariant is evaluated.
func ValidateStructure(s State) error {
	malformed := func(format string, args ...any) error {
		return Reject(Malformed, format, args...).At(s.Owner, s.StateNumber)
	}
	if s.Owner == "" {
		return malformed("missing owner")
	}
	if s.StateNumber > math.MaxInt64 || s.Timestamp > math.MaxInt64 {
		return malformed("state number or timestamp out of range")
	}
	if len(s.Entropy) == 0 {
		return malformed("missing entropy")
	}
	if len(s.VerificationHash) == 0 {
		return malformed("missing verification hash")
	}
	if s.Balance < 0 {
		return Reject(NegativeBalance, "balance %d is negative", s.Balance).At(s.Owner, s.StateNumber)
	}
	if err := validateOperation(s); err != nil {
		return err
	}
	if s.IsGenesis() {
		return nil
	}
	if len(s.PrevHash) == 0 {
		return malformed("missing prev hash")
	}
	if len(s.Signature) == 0 {
		return malformed("missing signature")
	}
	if a := s.Attestation; a != nil {
		switch a.Role {
		case RoleInitiator, RoleResponder, RoleInbound:
		default:
			return malformed("unknown attestation role %q", a.Role)
		}
		if len(a.CommitHash) == 0 {
			return malformed("attestation without commit hash")
		}
	}
	return nil
}

func validateOperation(s State) error {
	op := s.Operation
	malformed := func(format string, args ...any) error {
		return Reject(Malformed, format, args...).At(s.Owner, s.StateNumber)
	}
	switch op.Kind {
	case OpGenesis:
		if !s.IsGenesis() {
			return malformed("genesis operation after state 0")
		}
	case OpTransfer, OpReceive:
		if op.Amount <= 0 {
			return malformed("%s amount must be positive", op.Kind)
		}
		if op.Counterparty == "" || op.Counterparty == s.Owner {
			return malformed("%s needs a distinct counterparty", op.Kind)
		}
	case OpGeneric:
		if op.Amount != 0 {
			return malformed("generic operation carries no amount")
		}
	default:
		return malformed("unknown operation kind %q", op.Kind)
	}
	if s.IsGenesis() && op.Kind != OpGenesis {
		return malformed("state 0 must carry the genesis operation")
	}
	seen := make(map[string]struct{}, len(op.Params))
	for _, p := range op.Params {
		if _, dup := seen[p.Key]; dup {
			return malformed("duplicate param %q", p.Key)
		}
		seen[p.Key] = struct{}{}
	}
	return nil
}
