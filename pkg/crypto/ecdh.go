package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ErrLowOrderPoint is returned when a Diffie-Hellman exchange yields the
// all-zero shared secret.
var ErrLowOrderPoint = errors.New("crypto: X25519 produced all-zero output")

// KeyPair is an X25519 key pair. Ephemeral pairs must be zeroized with
// Zero once their last Diffie-Hellman has been computed.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, X25519KeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 key: %w", err)
	}
	clampX25519(priv)
	pub, err := X25519PublicFromPrivate(priv)
	if err != nil {
		SecureZero(priv)
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// DH computes the shared secret between kp and remotePublic.
func (kp *KeyPair) DH(remotePublic []byte) ([]byte, error) {
	if kp.Private == nil {
		return nil, errors.New("crypto: key pair has been zeroized")
	}
	return ComputeX25519SharedSecret(kp.Private, remotePublic)
}

// Zero wipes the private half of the key pair.
func (kp *KeyPair) Zero() {
	if kp == nil {
		return
	}
	SecureZero(kp.Private)
	kp.Private = nil
}

// ComputeX25519SharedSecret performs X25519 and rejects low-order results.
// The output is raw key material; feed it through HKDF before use.
func ComputeX25519SharedSecret(localPrivate, remotePublic []byte) ([]byte, error) {
	if len(localPrivate) != X25519KeySize {
		return nil, fmt.Errorf("invalid X25519 private key size: expected %d, got %d",
			X25519KeySize, len(localPrivate))
	}
	if len(remotePublic) != X25519KeySize {
		return nil, fmt.Errorf("invalid X25519 public key size: expected %d, got %d",
			X25519KeySize, len(remotePublic))
	}

	shared, err := curve25519.X25519(localPrivate, remotePublic)
	if err != nil {
		// curve25519 reports the low-order case itself.
		return nil, fmt.Errorf("%w: %v", ErrLowOrderPoint, err)
	}
	if isZero(shared) {
		return nil, ErrLowOrderPoint
	}
	return shared, nil
}

// X25519PublicFromPrivate computes the X25519 public key from a private key.
func X25519PublicFromPrivate(privateKey []byte) ([]byte, error) {
	if len(privateKey) != X25519KeySize {
		return nil, fmt.Errorf("invalid X25519 private key size: expected %d, got %d",
			X25519KeySize, len(privateKey))
	}

	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("X25519 public key computation failed: %w", err)
	}
	return publicKey, nil
}
