package handshake

import (
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// symmetricState is the running transcript hash h and chaining key ck, plus
// the current handshake encryption key.
type symmetricState struct {
	h  crypto.Hash
	ck []byte
	k  []byte
	n  uint64
}

func newSymmetricState() *symmetricState {
	h := crypto.Sum([]byte(ProtocolName))
	ck := make([]byte, len(h))
	copy(ck, h[:])
	return &symmetricState{h: h, ck: ck}
}

func (s *symmetricState) mixHash(data []byte) {
	s.h = crypto.Sum(s.h[:], data)
}

// mixKey folds a DH output into the chaining key. The input is zeroed.
func (s *symmetricState) mixKey(ikm []byte) error {
	defer crypto.SecureZero(ikm)
	out, err := crypto.HKDF(s.ck, ikm, crypto.LabelMixKey, 2*crypto.KeySize)
	if err != nil {
		return err
	}
	crypto.SecureZeroMultiple(s.ck, s.k)
	s.ck = out[:crypto.KeySize]
	s.k = out[crypto.KeySize:]
	s.n = 0
	return nil
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	c, err := crypto.NewCipher(s.k)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	ct, err := c.Seal(nil, crypto.CounterNonce(s.n), plaintext, s.h[:])
	if err != nil {
		return nil, err
	}
	s.n++
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	c, err := crypto.NewCipher(s.k)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	pt, err := c.Open(nil, crypto.CounterNonce(s.n), ciphertext, s.h[:])
	if err != nil {
		return nil, err
	}
	s.n++
	s.mixHash(ciphertext)
	return pt, nil
}

// confirm computes a key-confirmation MAC over the transcript so far.
func (s *symmetricState) confirm(label string) (crypto.Hash, error) {
	key, err := crypto.DeriveKey(s.ck, nil, label)
	if err != nil {
		return crypto.Hash{}, err
	}
	defer crypto.SecureZero(key)
	return crypto.MAC(key, s.h[:])
}

// split derives the transport keys and wipes the handshake secrets.
func (s *symmetricState) split() (*crypto.DirectionalKeys, crypto.Hash, error) {
	keys, err := crypto.DeriveDirectionalKeys(s.ck, s.h[:])
	h := s.h
	crypto.SecureZeroMultiple(s.ck, s.k)
	s.ck, s.k = nil, nil
	if err != nil {
		return nil, crypto.Hash{}, err
	}
	return keys, h, nil
}

func (s *symmetricState) wipe() {
	crypto.SecureZeroMultiple(s.ck, s.k)
	s.ck, s.k = nil, nil
}
