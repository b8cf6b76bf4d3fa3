// Package handshake implements the WRAITH mutual-authentication handshake,
// a three-message exchange following Noise's XX pattern:
//
//	-> e
//	<- e, ee, s, es, MAC1
//	-> s, se, MAC2
//
// Static keys are the peers' Ed25519 identity keys, carried encrypted and
// converted to X25519 for Diffie-Hellman. Every message is mixed into a
// running transcript hash, and each side proves possession of the chain key
// with a keyed BLAKE3 MAC over that hash, so tampering with any earlier
// message invalidates the next MAC. On success both sides hold two
// directional traffic keys and a rekey seed; ephemeral private keys are
// zeroized as soon as their last Diffie-Hellman has been computed.
package handshake

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// ProtocolName seeds the transcript hash.
const ProtocolName = "WRAITH_XX_25519_XChaChaPoly_BLAKE3_HKDFSHA256"

// ConnIDSize is the size of a connection identifier.
const ConnIDSize = 8

// Handshake errors. None of them can be retried without a fresh handshake.
var (
	// ErrMalformed indicates a structurally invalid message.
	ErrMalformed = errors.New("handshake: malformed message")

	// ErrAuthenticationFailed indicates a failed AEAD, MAC or DH check.
	// No session is created.
	ErrAuthenticationFailed = errors.New("handshake: authentication failed")

	// ErrTimeout indicates the next message did not arrive in time.
	ErrTimeout = errors.New("handshake: timed out waiting for peer")

	// ErrPeerMismatch indicates the responder is not the expected peer.
	ErrPeerMismatch = errors.New("handshake: unexpected peer identity")
)

// ConnID identifies an established session on the wire.
type ConnID [ConnIDSize]byte

// Result is the outcome of a completed handshake.
type Result struct {
	// Initiator is true on the side that sent Message1.
	Initiator bool

	// PeerID and PeerPublicKey identify the authenticated remote peer.
	PeerID        peer.ID
	PeerPublicKey ed25519.PublicKey

	// Keys holds both traffic keys and the rekey seed.
	Keys *crypto.DirectionalKeys

	// Hash is the final transcript hash.
	Hash crypto.Hash

	// ConnID is derived from Hash and identical on both sides.
	ConnID ConnID
}

// SendKey returns the key this side encrypts with.
func (r *Result) SendKey() []byte {
	s, _ := r.Keys.SendRecv(r.Initiator)
	return s
}

// RecvKey returns the key this side decrypts with.
func (r *Result) RecvKey() []byte {
	_, rk := r.Keys.SendRecv(r.Initiator)
	return rk
}

func newResult(initiator bool, ss *symmetricState, peerPub ed25519.PublicKey) (*Result, error) {
	id, err := crypto.PeerIDFromPublicKey(peerPub)
	if err != nil {
		ss.wipe()
		return nil, authFailed(err)
	}
	keys, h, err := ss.split()
	if err != nil {
		return nil, err
	}
	cid := crypto.Sum([]byte(crypto.LabelConnID), h[:])
	r := &Result{
		Initiator:     initiator,
		PeerID:        id,
		PeerPublicKey: peerPub,
		Keys:          keys,
		Hash:          h,
	}
	copy(r.ConnID[:], cid[:ConnIDSize])
	return r, nil
}

// decodeStatic validates a decrypted static key and returns its X25519 form.
func decodeStatic(pub []byte) (ed25519.PublicKey, []byte, error) {
	if err := crypto.ValidateEd25519PublicKey(pub); err != nil {
		return nil, nil, authFailed(err)
	}
	x, err := crypto.Ed25519PublicToX25519(pub)
	if err != nil {
		return nil, nil, authFailed(err)
	}
	return ed25519.PublicKey(pub), x, nil
}

func authFailed(cause error) error {
	if cause == nil {
		return ErrAuthenticationFailed
	}
	return fmt.Errorf("%w: %w", ErrAuthenticationFailed, cause)
}
