package crypto

import (
	"crypto/subtle"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 digest as used throughout WRAITH.
const HashSize = 32

// Hash is a BLAKE3-256 digest.
type Hash [HashSize]byte

// Sum returns the BLAKE3 hash of the concatenation of parts.
func Sum(parts ...[]byte) Hash {
	if len(parts) == 1 {
		return blake3.Sum256(parts[0])
	}
	h := blake3.New()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// MAC computes a keyed BLAKE3 MAC over the concatenation of parts.
func MAC(key []byte, parts ...[]byte) (Hash, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return Hash{}, fmt.Errorf("blake3 keyed hash: %w", err)
	}
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Equal compares two digests in constant time.
func (h Hash) Equal(other []byte) bool {
	return subtle.ConstantTimeCompare(h[:], other) == 1
}

// String returns the hex encoding of the digest.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}
