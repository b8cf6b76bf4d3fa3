package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPair_DHAgreement(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := a.DH(b.Public)
	require.NoError(t, err)
	ba, err := b.DH(a.Public)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	a.Zero()
	assert.Nil(t, a.Private)
	_, err = a.DH(b.Public)
	assert.Error(t, err)
}

func TestComputeX25519SharedSecret_LowOrderPoint(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = ComputeX25519SharedSecret(kp.Private, make([]byte, X25519KeySize))
	assert.ErrorIs(t, err, ErrLowOrderPoint)
}

func TestComputeX25519SharedSecret_InvalidSizes(t *testing.T) {
	_, err := ComputeX25519SharedSecret(make([]byte, 31), make([]byte, 32))
	assert.Error(t, err)
	_, err = ComputeX25519SharedSecret(make([]byte, 32), make([]byte, 33))
	assert.Error(t, err)
}

func TestEd25519ToX25519_DHCompatibility(t *testing.T) {
	pubA, privA, _ := ed25519.GenerateKey(rand.Reader)
	pubB, privB, _ := ed25519.GenerateKey(rand.Reader)

	xPrivA, err := Ed25519PrivateToX25519(privA)
	require.NoError(t, err)
	xPubA, err := Ed25519PublicToX25519(pubA)
	require.NoError(t, err)
	xPrivB, _ := Ed25519PrivateToX25519(privB)
	xPubB, _ := Ed25519PublicToX25519(pubB)

	derivedPubA, err := X25519PublicFromPrivate(xPrivA)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(derivedPubA, xPubA), "converted public key must match converted private key")

	s1, err := ComputeX25519SharedSecret(xPrivA, xPubB)
	require.NoError(t, err)
	s2, err := ComputeX25519SharedSecret(xPrivB, xPubA)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestEd25519PrivateToX25519_Clamped(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	x, err := Ed25519PrivateToX25519(priv)
	require.NoError(t, err)
	assert.Zero(t, x[0]&7)
	assert.Zero(t, x[31]&128)
	assert.NotZero(t, x[31]&64)

	_, err = Ed25519PrivateToX25519(priv[:10])
	assert.Error(t, err)
}

func TestValidateEd25519PublicKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	assert.NoError(t, ValidateEd25519PublicKey(pub))
	assert.Error(t, ValidateEd25519PublicKey(pub[:31]))
	assert.Error(t, ValidateEd25519PublicKey(nil))
}
