package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the XChaCha20-Poly1305 nonce size.
	NonceSize = chacha20poly1305.NonceSizeX // 24 bytes

	// TagSize is the size of the authentication tag.
	TagSize = chacha20poly1305.Overhead // 16 bytes

	// KeySize is the required key size.
	KeySize = chacha20poly1305.KeySize // 32 bytes
)

// ErrAuthentication is returned when an AEAD tag does not verify.
var ErrAuthentication = errors.New("crypto: message authentication failed")

// ErrCipherClosed is returned when a closed Cipher is used.
var ErrCipherClosed = errors.New("crypto: cipher closed")

// Cipher provides XChaCha20-Poly1305 authenticated encryption.
//
// A Cipher is not safe for concurrent use once Close may be called; session
// ciphers are owned by a single goroutine.
//
// Close zeroes this package's copy of the key. The underlying AEAD keeps
// its own expanded key which cannot be wiped from outside that package.
type Cipher struct {
	aead   aead
	key    []byte
	closed bool
}

// aead is the subset of cipher.AEAD used by Cipher.
type aead interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewCipher creates a cipher with the given 32-byte key. The key is copied.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", KeySize, len(key))
	}

	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)

	return &Cipher{aead: a, key: keyCopy}, nil
}

// FrameNonce builds the nonce for a frame: epoch (2 bytes, big endian),
// sequence number (8 bytes, big endian), then zero padding.
func FrameNonce(epoch uint16, seq uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint16(nonce[0:2], epoch)
	binary.BigEndian.PutUint64(nonce[2:10], seq)
	return nonce
}

// CounterNonce builds a nonce from a plain counter, used by the handshake.
func CounterNonce(n uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[NonceSize-8:], n)
	return nonce
}

// Seal encrypts plaintext under nonce and appends the result to dst.
// WARNING: never reuse a nonce with the same key.
func (c *Cipher) Seal(dst, nonce, plaintext, additionalData []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrCipherClosed
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", NonceSize, len(nonce))
	}
	return c.aead.Seal(dst, nonce, plaintext, additionalData), nil
}

// Open authenticates and decrypts ciphertext (which includes the tag).
// Any failure is reported as ErrAuthentication.
func (c *Cipher) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrCipherClosed
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", NonceSize, len(nonce))
	}
	if len(ciphertext) < TagSize {
		return nil, ErrAuthentication
	}
	pt, err := c.aead.Open(dst, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}

// Encrypt seals plaintext under a random nonce.
// The returned data format is: [24-byte nonce][ciphertext][16-byte tag]
func (c *Cipher) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce)
	return c.Seal(out, nonce, plaintext, additionalData)
}

// Decrypt opens data produced by Encrypt.
func (c *Cipher) Decrypt(data, additionalData []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, fmt.Errorf("ciphertext too short: minimum %d bytes, got %d",
			NonceSize+TagSize, len(data))
	}
	return c.Open(nil, data[:NonceSize], data[NonceSize:], additionalData)
}

// Close zeroes the key held by the cipher. Further use returns ErrCipherClosed.
func (c *Cipher) Close() {
	if c.closed {
		return
	}
	c.closed = true
	SecureZero(c.key)
	c.key = nil
	c.aead = nil
}

// IsClosed returns true if the cipher has been closed.
func (c *Cipher) IsClosed() bool {
	return c.closed
}
