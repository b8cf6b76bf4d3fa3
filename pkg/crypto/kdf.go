package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key derivation labels. Changing any of these breaks wire compatibility.
const (
	LabelTrafficI2R = "wraith-v2-traffic-key-i2r"
	LabelTrafficR2I = "wraith-v2-traffic-key-r2i"
	LabelRekeySeed  = "wraith-v2-rekey-seed"
	LabelChainKey   = "wraith-v2-chain-key"
	LabelMixKey     = "wraith-v2-mix-key"
	LabelConfirmR   = "wraith-v2-confirm-responder"
	LabelConfirmI   = "wraith-v2-confirm-initiator"
	LabelConnID     = "wraith-v2-connection-id"
)

// HKDF derives length bytes from ikm with HKDF-SHA256.
func HKDF(salt, ikm []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return out, nil
}

// DeriveKey derives a single KeySize key.
func DeriveKey(salt, ikm []byte, info string) ([]byte, error) {
	return HKDF(salt, ikm, info, KeySize)
}

// DirectionalKeys holds one key per direction plus the seed for the next
// ratchet step, all derived from the same secret.
type DirectionalKeys struct {
	InitiatorToResponder []byte
	ResponderToInitiator []byte
	RekeySeed            []byte
}

// DeriveDirectionalKeys expands a secret into independent per-direction keys
// and a rekey seed using distinct HKDF labels.
func DeriveDirectionalKeys(salt, secret []byte) (*DirectionalKeys, error) {
	i2r, err := DeriveKey(salt, secret, LabelTrafficI2R)
	if err != nil {
		return nil, err
	}
	r2i, err := DeriveKey(salt, secret, LabelTrafficR2I)
	if err != nil {
		SecureZero(i2r)
		return nil, err
	}
	seed, err := DeriveKey(salt, secret, LabelRekeySeed)
	if err != nil {
		SecureZeroMultiple(i2r, r2i)
		return nil, err
	}
	return &DirectionalKeys{InitiatorToResponder: i2r, ResponderToInitiator: r2i, RekeySeed: seed}, nil
}

// SendRecv returns the (send, receive) keys for the given role.
func (k *DirectionalKeys) SendRecv(initiator bool) (send, recv []byte) {
	if initiator {
		return k.InitiatorToResponder, k.ResponderToInitiator
	}
	return k.ResponderToInitiator, k.InitiatorToResponder
}

// Zero wipes all keys.
func (k *DirectionalKeys) Zero() {
	SecureZeroMultiple(k.InitiatorToResponder, k.ResponderToInitiator, k.RekeySeed)
}
