package crypto

import "errors"

// ErrForeignKey is returned when a PrivateKey produced by one Primitives
// implementation is handed to another.
var ErrForeignKey = errors.New("crypto: private key does not belong to this suite")

// PrivateKey is an opaque secret key. Erase must leave it unusable.
type PrivateKey interface {
	// Public returns the encoded verification / encapsulation key.
	Public() []byte
	// Erase zeroes the secret material.
	Erase()
}

// Primitives is the collaborator interface for H, signatures and the KEM.
//
// Security assumptions: Hash is collision resistant, signatures are
// EUF-CMA secure, the KEM is IND-CCA2 secure.
type Primitives interface {
	Hash(data []byte) []byte

	Sign(sk PrivateKey, msg []byte) ([]byte, error)
	Verify(pk, sig, msg []byte) bool

	Encapsulate(pk []byte) (ciphertext, sharedSecret []byte, err error)
	Decapsulate(sk PrivateKey, ciphertext []byte) ([]byte, error)

	// GenerateKey returns a fresh long-term key.
	GenerateKey() (PrivateKey, error)
	// DeriveKey returns the key deterministically bound to seed.
	DeriveKey(seed []byte) PrivateKey
}

// WithEphemeralKey derives the single-use key bound to entropy, hands it to fn
// and erases it afterwards, whether fn succeeds, fails or panics.
func WithEphemeralKey(p Primitives, entropy []byte, fn func(PrivateKey) error) error {
	key := p.DeriveKey(entropy)
	defer key.Erase()
	return fn(key)
}

// EphemeralPublicKey returns the verification key bound to entropy.
// The secret half is erased before returning.
func EphemeralPublicKey(p Primitives, entropy []byte) []byte {
	key := p.DeriveKey(entropy)
	defer key.Erase()
	return key.Public()
}
