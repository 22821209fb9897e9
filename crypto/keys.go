// Package crypto wraps the signature scheme used by validators and account
// holders so the rest of the engine never touches raw key material types.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

type PublicKey struct {
	key ed25519.PublicKey
}

type PrivateKey struct {
	key ed25519.PrivateKey
}

// GenerateKey creates a fresh validator or account keypair.
func GenerateKey() (PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return PrivateKey{key: priv}, nil
}

// NewPrivateKeyFromSeed rebuilds a keypair from a stored seed.
func NewPrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return PrivateKey{}, fmt.Errorf("seed should be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// NewPublicKey validates raw public key bytes.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key should be %d bytes, got %d", ed25519.PublicKeySize, len(data))
	}
	return PublicKey{key: ed25519.PublicKey(data)}, nil
}

func (p PrivateKey) Sign(data []byte) []byte {
	return ed25519.Sign(p.key, data)
}

// Seed returns the 32-byte seed for key file storage.
func (p PrivateKey) Seed() []byte {
	return p.key.Seed()
}

func (p PrivateKey) Public() PublicKey {
	return PublicKey{key: p.key.Public().(ed25519.PublicKey)}
}

func (p PublicKey) Verify(data, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(p.key, data, sig)
}

func (p PublicKey) Bytes() []byte {
	out := make([]byte, len(p.key))
	copy(out, p.key)
	return out
}

// VerifyWithKey verifies a signature against raw public key bytes. Malformed
// keys simply fail verification.
func VerifyWithKey(pubKey, data, sig []byte) bool {
	pk, err := NewPublicKey(pubKey)
	if err != nil {
		return false
	}
	return pk.Verify(data, sig)
}
