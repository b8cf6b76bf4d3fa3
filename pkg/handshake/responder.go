package handshake

import (
	"fmt"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// Responder runs the responder side of one handshake.
// It is not safe for concurrent use.
type Responder struct {
	e      *crypto.KeyPair
	ss     *symmetricState
	msg1   []byte
	msg2   []byte
	result *Result
	failed error
}

// Respond processes Message1 and returns the responder together with
// Message2 to send back.
func Respond(local *crypto.Identity, msg1 []byte) (*Responder, []byte, error) {
	m, err := parseExpected(msg1, Message1)
	if err != nil {
		return nil, nil, err
	}
	ie := m.Payload

	e, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	r := &Responder{e: e, ss: newSymmetricState(), msg1: append([]byte(nil), msg1...)}

	msg2, err := r.writeMessage2(local, ie)
	if err != nil {
		r.abort(err)
		return nil, nil, err
	}
	r.msg2 = msg2
	return r, msg2, nil
}

func (r *Responder) writeMessage2(local *crypto.Identity, ie []byte) ([]byte, error) {
	r.ss.mixHash(ie)
	r.ss.mixHash(r.e.Public)

	ee, err := r.e.DH(ie)
	if err != nil {
		return nil, authFailed(err)
	}
	if err := r.ss.mixKey(ee); err != nil {
		return nil, err
	}
	encStatic, err := r.ss.encryptAndHash(local.PublicKey())
	if err != nil {
		return nil, err
	}
	es, err := local.StaticDH(ie)
	if err != nil {
		return nil, authFailed(err)
	}
	if err := r.ss.mixKey(es); err != nil {
		return nil, err
	}
	mac1, err := r.ss.confirm(crypto.LabelConfirmR)
	if err != nil {
		return nil, err
	}
	r.ss.mixHash(mac1[:])

	payload := make([]byte, 0, message2PayloadSize)
	payload = append(payload, r.e.Public...)
	payload = append(payload, encStatic...)
	payload = append(payload, mac1[:]...)
	return Message{Type: Message2, Payload: payload}.Marshal(), nil
}

// Message1 returns the Message1 this responder answered.
func (r *Responder) Message1() []byte { return r.msg1 }

// Message2 returns the reply for retransmission on duplicate Message1.
func (r *Responder) Message2() []byte { return r.msg2 }

// Result returns the completed handshake result, or nil.
func (r *Responder) Result() *Result { return r.result }

// ReadMessage3 verifies the initiator's final message. As with
// ReadMessage2, header damage is ErrMalformed and payload damage is
// ErrAuthenticationFailed.
func (r *Responder) ReadMessage3(b []byte) (*Result, error) {
	if r.result != nil {
		return r.result, nil
	}
	if r.failed != nil {
		return nil, r.failed
	}
	res, err := r.readMessage3(b)
	if err != nil {
		r.abort(err)
		return nil, err
	}
	r.result = res
	return res, nil
}

func (r *Responder) readMessage3(b []byte) (*Result, error) {
	m, err := parseExpected(b, Message3)
	if err != nil {
		return nil, err
	}
	encStatic := m.Payload[:staticLen]
	mac2 := m.Payload[staticLen:]

	is, err := r.ss.decryptAndHash(encStatic)
	if err != nil {
		return nil, authFailed(err)
	}
	peerPub, isX, err := decodeStatic(is)
	if err != nil {
		return nil, err
	}
	se, err := r.e.DH(isX)
	if err != nil {
		return nil, authFailed(err)
	}
	r.e.Zero()
	if err := r.ss.mixKey(se); err != nil {
		return nil, err
	}

	want, err := r.ss.confirm(crypto.LabelConfirmI)
	if err != nil {
		return nil, err
	}
	if !want.Equal(mac2) {
		return nil, authFailed(fmt.Errorf("initiator key confirmation mismatch"))
	}
	r.ss.mixHash(mac2)

	return newResult(false, r.ss, peerPub)
}

// Abort wipes the ephemeral key and transcript state.
func (r *Responder) Abort() {
	r.abort(ErrTimeout)
}

func (r *Responder) abort(err error) {
	r.e.Zero()
	r.ss.wipe()
	if r.failed == nil {
		r.failed = err
	}
}
