// Package signing provides the signature primitive the change and schema
// stores call when they "request a signature" (spec.md §4.C, §4.D). The
// identity/delegate system itself is an external collaborator per spec.md
// §1 ("referenced only by the interfaces the core consumes"); this package
// only supplies the cryptographic primitive a concrete Signer/Verifier
// pair needs, using crypto/ed25519 directly rather than a third-party
// signing library — no signing library appears anywhere in this module's
// dependency stack, and ed25519 is a standard-library primitive rather
// than an ecosystem "concern" the way a JSON codec or CLI framework is
// (see DESIGN.md).
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer produces a signature over arbitrary commit bytes.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks a signature produced by some Signer's matching key.
type Verifier interface {
	Verify(pub, data, sig []byte) bool
}

// Ed25519Signer is the default Signer: an in-memory ed25519 private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// GenerateEd25519Signer creates a fresh ed25519 keypair.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	return &Ed25519Signer{priv: priv}, nil
}

// NewEd25519Signer wraps an existing ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv}
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

func (s *Ed25519Signer) PublicKey() []byte {
	pub := s.priv.Public().(ed25519.PublicKey)
	return []byte(pub)
}

// PrivateKeyBytes returns the raw private key, for callers (like cmd/cob's
// local identity file) that need to persist and later reconstruct this
// exact signer.
func (s *Ed25519Signer) PrivateKeyBytes() []byte {
	return []byte(s.priv)
}

// Ed25519Verifier verifies ed25519 signatures.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(pub, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
