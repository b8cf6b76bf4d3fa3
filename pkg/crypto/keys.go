// Package crypto holds the WRAITH cryptographic primitives: XChaCha20-Poly1305
// AEAD, HKDF-SHA256 key derivation, X25519 Diffie-Hellman, BLAKE3 hashing and
// the node's long-term Ed25519 identity.
//
// Everything here is a pure function or a value owned by a single caller.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// X25519KeySize is the size of X25519 public and private keys in bytes.
const X25519KeySize = 32

// Ed25519PrivateToX25519 derives the X25519 scalar that corresponds to an
// Ed25519 private key (SHA-512 of the seed, first half, clamped).
func Ed25519PrivateToX25519(edPriv ed25519.PrivateKey) ([]byte, error) {
	if len(edPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key size: expected %d, got %d",
			ed25519.PrivateKeySize, len(edPriv))
	}

	h := sha512.Sum512(edPriv[:ed25519.SeedSize])
	defer SecureZero(h[:])

	out := make([]byte, X25519KeySize)
	copy(out, h[:32])
	clampX25519(out)
	return out, nil
}

// Ed25519PublicToX25519 maps an Ed25519 public key to its Montgomery form.
func Ed25519PublicToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key size: expected %d, got %d",
			ed25519.PublicKeySize, len(edPub))
	}
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

func clampX25519(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// ValidateEd25519PrivateKey checks the size of an Ed25519 private key.
func ValidateEd25519PrivateKey(key ed25519.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("private key is nil")
	}
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid Ed25519 private key size: expected %d, got %d",
			ed25519.PrivateKeySize, len(key))
	}
	return nil
}

// ValidateEd25519PublicKey checks that key is a valid curve point.
func ValidateEd25519PublicKey(key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid Ed25519 public key size: expected %d, got %d",
			ed25519.PublicKeySize, len(key))
	}
	if _, err := new(edwards25519.Point).SetBytes(key); err != nil {
		return fmt.Errorf("invalid Ed25519 public key: not a valid curve point")
	}
	return nil
}
