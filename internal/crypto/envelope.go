package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrEnvelopeOpen is returned when an envelope fails authentication.
var ErrEnvelopeOpen = errors.New("crypto: envelope authentication failed")

// Envelope is a KEM-sealed payload addressed to one recipient key.
type Envelope struct {
	Encapsulated []byte `cramberry:"1" json:"encapsulated"`
	Nonce        []byte `cramberry:"2" json:"nonce"`
	Sealed       []byte `cramberry:"3" json:"sealed"`
}

// Seal encrypts plaintext to recipientPK. aad is authenticated but not encrypted.
func Seal(p Primitives, recipientPK, plaintext, aad []byte) (Envelope, error) {
	ct, secret, err := p.Encapsulate(recipientPK)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal: %w", err)
	}
	defer clear(secret)

	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("seal: nonce: %w", err)
	}
	return Envelope{
		Encapsulated: ct,
		Nonce:        nonce,
		Sealed:       aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Open decrypts env with the recipient's key.
func Open(p Primitives, sk PrivateKey, env Envelope, aad []byte) ([]byte, error) {
	secret, err := p.Decapsulate(sk, env.Encapsulated)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer clear(secret)

	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrEnvelopeOpen
	}
	plain, err := aead.Open(nil, env.Nonce, env.Sealed, aad)
	if err != nil {
		return nil, ErrEnvelopeOpen
	}
	return plain, nil
}
