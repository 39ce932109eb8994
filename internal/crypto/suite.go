package crypto

import (
	"fmt"
	"io"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/group/edwards25519"
	"go.dedis.ch/kyber/v4/sign/schnorr"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/roach88/dsm/internal/canonical"
)

// SharedSecretSize is the length of KEM shared secrets in bytes.
const SharedSecretSize = 32

// Suite is the default Primitives implementation.
// Safe for concurrent use.
type Suite struct {
	group *edwards25519.SuiteEd25519
}

var _ Primitives = (*Suite)(nil)

// NewSuite returns the SHA3-256 / Schnorr-Ed25519 / DH-KEM suite.
func NewSuite() *Suite {
	return &Suite{group: edwards25519.NewBlakeSHA256Ed25519()}
}

type scalarKey struct {
	scalar kyber.Scalar
	public []byte
}

func (k *scalarKey) Public() []byte {
	out := make([]byte, len(k.public))
	copy(out, k.public)
	return out
}

func (k *scalarKey) Erase() {
	if k.scalar != nil {
		k.scalar.Zero()
	}
}

// Hash computes SHA3-256.
func (s *Suite) Hash(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}

func (s *Suite) newKey(scalar kyber.Scalar) *scalarKey {
	pub, err := s.group.Point().Mul(scalar, nil).MarshalBinary()
	if err != nil {
		// Marshaling a point of our own group cannot fail.
		panic(fmt.Sprintf("crypto: marshal public key: %v", err))
	}
	return &scalarKey{scalar: scalar, public: pub}
}

// GenerateKey draws a fresh scalar from the suite's random stream.
func (s *Suite) GenerateKey() (PrivateKey, error) {
	return s.newKey(s.group.Scalar().Pick(s.group.RandomStream())), nil
}

// DeriveKey expands seed through the group's XOF into a scalar.
func (s *Suite) DeriveKey(seed []byte) PrivateKey {
	xof := s.group.XOF(canonical.Frame(canonical.DomainEphemeral, seed))
	return s.newKey(s.group.Scalar().Pick(xof))
}

func (s *Suite) scalarOf(sk PrivateKey) (kyber.Scalar, error) {
	k, ok := sk.(*scalarKey)
	if !ok || k.scalar == nil {
		return nil, ErrForeignKey
	}
	return k.scalar, nil
}

func (s *Suite) point(encoded []byte) (kyber.Point, error) {
	p := s.group.Point()
	if err := p.UnmarshalBinary(encoded); err != nil {
		return nil, fmt.Errorf("crypto: decode point: %w", err)
	}
	return p, nil
}

// Sign produces a Schnorr signature over msg.
func (s *Suite) Sign(sk PrivateKey, msg []byte) ([]byte, error) {
	scalar, err := s.scalarOf(sk)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(s.group, scalar, msg)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature of msg under pk.
func (s *Suite) Verify(pk, sig, msg []byte) bool {
	if len(sig) == 0 {
		return false
	}
	pub, err := s.point(pk)
	if err != nil {
		return false
	}
	return schnorr.Verify(s.group, pub, msg, sig) == nil
}

// Encapsulate runs the sender half of the DH-KEM against pk.
func (s *Suite) Encapsulate(pk []byte) ([]byte, []byte, error) {
	pub, err := s.point(pk)
	if err != nil {
		return nil, nil, err
	}
	r := s.group.Scalar().Pick(s.group.RandomStream())
	defer r.Zero()

	ct, err := s.group.Point().Mul(r, nil).MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: encapsulate: %w", err)
	}
	secret, err := s.kdf(s.group.Point().Mul(r, pub), ct)
	if err != nil {
		return nil, nil, err
	}
	return ct, secret, nil
}

// Decapsulate recovers the shared secret from ciphertext with sk.
func (s *Suite) Decapsulate(sk PrivateKey, ciphertext []byte) ([]byte, error) {
	scalar, err := s.scalarOf(sk)
	if err != nil {
		return nil, err
	}
	r, err := s.point(ciphertext)
	if err != nil {
		return nil, err
	}
	return s.kdf(s.group.Point().Mul(scalar, r), ciphertext)
}

func (s *Suite) kdf(dh kyber.Point, ciphertext []byte) ([]byte, error) {
	ikm, err := dh.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypto: kdf: %w", err)
	}
	out := make([]byte, SharedSecretSize)
	r := hkdf.New(sha3.New256, ikm, ciphertext, []byte(canonical.DomainKEMSecret))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: kdf: %w", err)
	}
	return out, nil
}
