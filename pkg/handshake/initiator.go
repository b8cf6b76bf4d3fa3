package handshake

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// Initiator runs the initiator side of one handshake attempt.
// It is not safe for concurrent use.
type Initiator struct {
	local    *crypto.Identity
	expected peer.ID
	e        *crypto.KeyPair
	ePub     []byte
	ss       *symmetricState
	msg1     []byte
	msg3     []byte
	result   *Result
	failed   error
}

// NewInitiator starts a handshake and returns Message1. If expected is not
// empty the responder must authenticate as that peer.
func NewInitiator(local *crypto.Identity, expected peer.ID) (*Initiator, []byte, error) {
	e, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	ss := newSymmetricState()
	ss.mixHash(e.Public)

	msg1 := Message{Type: Message1, Payload: e.Public}.Marshal()
	return &Initiator{
		local:    local,
		expected: expected,
		e:        e,
		ePub:     append([]byte(nil), e.Public...),
		ss:       ss,
		msg1:     msg1,
	}, msg1, nil
}

// Message1 returns the first message for retransmission.
func (i *Initiator) Message1() []byte { return i.msg1 }

// Message3 returns the final message once ReadMessage2 has succeeded.
func (i *Initiator) Message3() []byte { return i.msg3 }

// Ephemeral returns the initiator's ephemeral public key.
func (i *Initiator) Ephemeral() []byte { return i.ePub }

// Result returns the completed handshake result, or nil.
func (i *Initiator) Result() *Result { return i.result }

// ReadMessage2 processes the responder's reply and returns Message3.
// Duplicate copies of Message2 after success return the cached Message3.
// A damaged header fails with ErrMalformed (see ParseMessage); a damaged
// payload fails with ErrAuthenticationFailed.
func (i *Initiator) ReadMessage2(b []byte) ([]byte, *Result, error) {
	if i.result != nil {
		return i.msg3, i.result, nil
	}
	if i.failed != nil {
		return nil, nil, i.failed
	}
	msg3, res, err := i.readMessage2(b)
	if err != nil {
		i.abort(err)
		return nil, nil, err
	}
	i.msg3, i.result = msg3, res
	return msg3, res, nil
}

func (i *Initiator) readMessage2(b []byte) ([]byte, *Result, error) {
	m, err := parseExpected(b, Message2)
	if err != nil {
		return nil, nil, err
	}
	p := m.Payload
	re := p[:keySize]
	encStatic := p[keySize : keySize+staticLen]
	mac1 := p[keySize+staticLen:]

	i.ss.mixHash(re)
	ee, err := i.e.DH(re)
	if err != nil {
		return nil, nil, authFailed(err)
	}
	if err := i.ss.mixKey(ee); err != nil {
		return nil, nil, err
	}

	rs, err := i.ss.decryptAndHash(encStatic)
	if err != nil {
		return nil, nil, authFailed(err)
	}
	peerPub, rsX, err := decodeStatic(rs)
	if err != nil {
		return nil, nil, err
	}

	es, err := i.e.DH(rsX)
	if err != nil {
		return nil, nil, authFailed(err)
	}
	// e is not used again after es.
	i.e.Zero()
	if err := i.ss.mixKey(es); err != nil {
		return nil, nil, err
	}

	want, err := i.ss.confirm(crypto.LabelConfirmR)
	if err != nil {
		return nil, nil, err
	}
	if !want.Equal(mac1) {
		return nil, nil, authFailed(fmt.Errorf("responder key confirmation mismatch"))
	}
	i.ss.mixHash(mac1)

	if i.expected != "" {
		got, err := crypto.PeerIDFromPublicKey(peerPub)
		if err != nil {
			return nil, nil, authFailed(err)
		}
		if got != i.expected {
			return nil, nil, authFailed(fmt.Errorf("%w: got %s, want %s", ErrPeerMismatch, got, i.expected))
		}
	}

	encLocal, err := i.ss.encryptAndHash(i.local.PublicKey())
	if err != nil {
		return nil, nil, err
	}
	se, err := i.local.StaticDH(append([]byte(nil), re...))
	if err != nil {
		return nil, nil, authFailed(err)
	}
	if err := i.ss.mixKey(se); err != nil {
		return nil, nil, err
	}
	mac2, err := i.ss.confirm(crypto.LabelConfirmI)
	if err != nil {
		return nil, nil, err
	}
	i.ss.mixHash(mac2[:])

	res, err := newResult(true, i.ss, peerPub)
	if err != nil {
		return nil, nil, err
	}

	payload := make([]byte, 0, message3PayloadSize)
	payload = append(payload, encLocal...)
	payload = append(payload, mac2[:]...)
	return Message{Type: Message3, Payload: payload}.Marshal(), res, nil
}

// Abort wipes the ephemeral key and transcript state.
func (i *Initiator) Abort() {
	i.abort(ErrTimeout)
}

func (i *Initiator) abort(err error) {
	i.e.Zero()
	i.ss.wipe()
	if i.failed == nil {
		i.failed = err
	}
}
