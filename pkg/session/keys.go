package session

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
)

// Session errors.
var (
	// ErrStaleEpoch indicates a frame from an epoch more than one
	// generation old, or from the previous epoch after its grace period.
	ErrStaleEpoch = errors.New("session: stale epoch")

	// ErrUnknownEpoch indicates a frame from an epoch not yet negotiated.
	ErrUnknownEpoch = errors.New("session: unknown epoch")

	// ErrAuthenticationFailed indicates a frame whose tag did not verify.
	ErrAuthenticationFailed = errors.New("session: frame authentication failed")

	// ErrReplay indicates a frame whose sequence number was already seen
	// or has fallen out of the replay window.
	ErrReplay = errors.New("session: replayed frame")

	// ErrFrameTooLarge indicates a payload above the configured limit.
	ErrFrameTooLarge = errors.New("session: frame too large")

	// ErrSequenceExhausted indicates the send counter cannot advance.
	ErrSequenceExhausted = errors.New("session: sequence space exhausted")

	// ErrEpochExhausted indicates no further rekey is possible.
	ErrEpochExhausted = errors.New("session: epoch space exhausted")

	// ErrRekeyInProgress indicates a second rekey was requested while one
	// is still running.
	ErrRekeyInProgress = errors.New("session: rekey already in progress")

	// ErrNoRekey indicates a rekey reply with no rekey outstanding.
	ErrNoRekey = errors.New("session: no rekey outstanding")
)

type recvEpoch struct {
	epoch   uint16
	cipher  *crypto.Cipher
	window  ReplayWindow
	expires time.Time
}

func (r *recvEpoch) close() {
	if r != nil {
		r.cipher.Close()
	}
}

type pendingEpoch struct {
	recv *recvEpoch
	send *crypto.Cipher
	seed []byte
}

// CryptoOptions configures a CryptoState.
type CryptoOptions struct {
	// PreviousEpochGrace is how long frames from the previous epoch are
	// still accepted after a switch.
	PreviousEpochGrace time.Duration

	// MaxPayload bounds the payload of one frame.
	MaxPayload int

	// Padding selects the plaintext padding strategy.
	Padding PaddingMode

	// Now overrides the clock, for tests.
	Now func() time.Time

	// OnPromote is called when a frame under a pending epoch authenticates
	// and that epoch becomes current.
	OnPromote func(epoch uint16)
}

// CryptoState holds a session's keys, counters and replay windows. It is
// owned by exactly one goroutine and performs no locking.
type CryptoState struct {
	initiator bool
	opts      CryptoOptions
	seed      []byte

	sendEpoch  uint16
	send       *crypto.Cipher
	sendSeq    uint64
	sendBytes  uint64
	lastSwitch time.Time

	recv    *recvEpoch
	prev    *recvEpoch
	pending *pendingEpoch

	ratchet *crypto.KeyPair

	consecutiveAuthFailures int
}

// NewCryptoState installs epoch 0 from a completed handshake. The result's
// keys are copied; the caller should wipe them afterwards.
func NewCryptoState(res *handshake.Result, opts CryptoOptions) (*CryptoState, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxFramePayload
	}
	send, err := crypto.NewCipher(res.SendKey())
	if err != nil {
		return nil, err
	}
	recv, err := crypto.NewCipher(res.RecvKey())
	if err != nil {
		send.Close()
		return nil, err
	}
	seed := append([]byte(nil), res.Keys.RekeySeed...)
	return &CryptoState{
		initiator:  res.Initiator,
		opts:       opts,
		seed:       seed,
		send:       send,
		recv:       &recvEpoch{epoch: 0, cipher: recv},
		lastSwitch: opts.Now(),
	}, nil
}

// SendEpoch returns the epoch outgoing frames are sealed under.
func (c *CryptoState) SendEpoch() uint16 { return c.sendEpoch }

// RecvEpoch returns the current receive epoch.
func (c *CryptoState) RecvEpoch() uint16 { return c.recv.epoch }

// SentSinceSwitch reports packets and bytes sealed under the current send
// epoch and when that epoch began.
func (c *CryptoState) SentSinceSwitch() (packets, bytes uint64, since time.Time) {
	return c.sendSeq, c.sendBytes, c.lastSwitch
}

// ConsecutiveAuthFailures returns the number of failed frames since the
// last one that authenticated.
func (c *CryptoState) ConsecutiveAuthFailures() int { return c.consecutiveAuthFailures }

// MaxPayload returns the payload limit per frame.
func (c *CryptoState) MaxPayload() int { return c.opts.MaxPayload }

// Encrypt seals payload as a frame of type t under the current send epoch
// and returns header || ciphertext || tag.
func (c *CryptoState) Encrypt(t FrameType, payload []byte) ([]byte, error) {
	if c.send == nil {
		return nil, ErrClosed
	}
	if len(payload) > c.opts.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.opts.MaxPayload)
	}
	if c.sendSeq == math.MaxUint64 {
		return nil, ErrSequenceExhausted
	}
	c.sendSeq++
	h := Header{Type: t, Epoch: c.sendEpoch, Seq: c.sendSeq}

	pt := encodePlaintext(payload, padTo(c.opts.Padding, len(payload), c.opts.MaxPayload))
	out := make([]byte, HeaderSize, HeaderSize+len(pt)+TagSize)
	h.put(out)
	out, err := c.send.Seal(out, crypto.FrameNonce(h.Epoch, h.Seq), pt, out[:HeaderSize])
	if err != nil {
		return nil, err
	}
	c.sendBytes += uint64(len(payload))
	return out, nil
}

// Decrypt authenticates a frame and returns its header and payload.
// Replays, stale epochs and forged frames are rejected; only successfully
// authenticated frames advance the replay window.
func (c *CryptoState) Decrypt(frame []byte) (Header, []byte, error) {
	if c.recv == nil {
		return Header{}, nil, ErrClosed
	}
	h, err := ParseHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}

	now := c.opts.Now()
	var (
		re      *recvEpoch
		promote bool
	)
	switch {
	case h.Epoch == c.recv.epoch:
		re = c.recv
	case c.prev != nil && h.Epoch == c.prev.epoch:
		if now.After(c.prev.expires) {
			c.expirePrevious()
			return h, nil, ErrStaleEpoch
		}
		re = c.prev
	case c.pending != nil && h.Epoch == c.pending.recv.epoch:
		re = c.pending.recv
		promote = true
	case epochBefore(h.Epoch, c.recv.epoch):
		return h, nil, ErrStaleEpoch
	default:
		return h, nil, ErrUnknownEpoch
	}

	if !re.window.Check(h.Seq) {
		return h, nil, ErrReplay
	}
	pt, err := re.cipher.Open(nil, crypto.FrameNonce(h.Epoch, h.Seq), frame[HeaderSize:], frame[:HeaderSize])
	if err != nil {
		c.consecutiveAuthFailures++
		return h, nil, ErrAuthenticationFailed
	}
	payload, err := decodePlaintext(pt)
	if err != nil {
		return h, nil, err
	}
	re.window.Mark(h.Seq)
	c.consecutiveAuthFailures = 0

	if promote {
		c.promotePending(now)
	}
	return h, payload, nil
}

// epochBefore reports whether a precedes b, treating epochs as a
// monotonically increasing counter.
func epochBefore(a, b uint16) bool {
	return a < b
}

// BeginRekey starts a ratchet step and returns the ephemeral public key to
// send in a Rekey frame.
func (c *CryptoState) BeginRekey() ([]byte, error) {
	if c.ratchet != nil || c.pending != nil {
		return nil, ErrRekeyInProgress
	}
	if c.sendEpoch == math.MaxUint16 {
		return nil, ErrEpochExhausted
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	c.ratchet = kp
	return append([]byte(nil), kp.Public...), nil
}

// RekeyInProgress reports whether this side started a ratchet step that
// has not completed.
func (c *CryptoState) RekeyInProgress() bool { return c.ratchet != nil }

// HasPending reports whether keys for the next epoch are installed and
// waiting for the peer's first frame under them.
func (c *CryptoState) HasPending() bool { return c.pending != nil }

// AcceptRekey answers the peer's ratchet step: it derives the next epoch's
// keys, installs them as pending and returns the ephemeral public key for
// the RekeyAck. Outgoing frames keep using the current epoch until the peer
// is seen using the new one.
func (c *CryptoState) AcceptRekey(peerEphemeral []byte) ([]byte, error) {
	if c.recv.epoch == math.MaxUint16 {
		return nil, ErrEpochExhausted
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer kp.Zero()

	keys, err := c.deriveNext(kp, peerEphemeral)
	if err != nil {
		return nil, err
	}
	defer keys.Zero()

	sendKey, recvKey := keys.SendRecv(c.initiator)
	send, err := crypto.NewCipher(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := crypto.NewCipher(recvKey)
	if err != nil {
		send.Close()
		return nil, err
	}

	c.dropPending()
	c.pending = &pendingEpoch{
		recv: &recvEpoch{epoch: c.recv.epoch + 1, cipher: recv},
		send: send,
		seed: append([]byte(nil), keys.RekeySeed...),
	}
	return append([]byte(nil), kp.Public...), nil
}

// CompleteRekey finishes a ratchet step this side began: both directions
// switch to the new epoch and the old receive epoch enters its grace
// period.
func (c *CryptoState) CompleteRekey(peerEphemeral []byte) error {
	if c.ratchet == nil {
		return ErrNoRekey
	}
	kp := c.ratchet
	c.ratchet = nil
	defer kp.Zero()

	keys, err := c.deriveNext(kp, peerEphemeral)
	if err != nil {
		return err
	}
	defer keys.Zero()

	sendKey, recvKey := keys.SendRecv(c.initiator)
	send, err := crypto.NewCipher(sendKey)
	if err != nil {
		return err
	}
	recv, err := crypto.NewCipher(recvKey)
	if err != nil {
		send.Close()
		return err
	}

	now := c.opts.Now()
	next := c.recv.epoch + 1
	c.rotateRecv(&recvEpoch{epoch: next, cipher: recv}, now)
	c.switchSend(send, next, now)
	crypto.SecureZero(c.seed)
	c.seed = append([]byte(nil), keys.RekeySeed...)
	return nil
}

// AbortRekey abandons a ratchet step this side began.
func (c *CryptoState) AbortRekey() {
	c.ratchet.Zero()
	c.ratchet = nil
}

// DropPending discards keys installed by AcceptRekey that were never used.
func (c *CryptoState) DropPending() {
	c.dropPending()
}

// Expire drops the previous epoch once its grace period is over.
func (c *CryptoState) Expire(now time.Time) {
	if c.prev != nil && now.After(c.prev.expires) {
		c.expirePrevious()
	}
}

// Close wipes every key.
func (c *CryptoState) Close() {
	c.AbortRekey()
	c.dropPending()
	c.expirePrevious()
	c.recv.close()
	c.recv = nil
	if c.send != nil {
		c.send.Close()
		c.send = nil
	}
	crypto.SecureZero(c.seed)
}

func (c *CryptoState) deriveNext(kp *crypto.KeyPair, peerEphemeral []byte) (*crypto.DirectionalKeys, error) {
	dh, err := kp.DH(peerEphemeral)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureZero(dh)
	return crypto.DeriveDirectionalKeys(c.seed, dh)
}

func (c *CryptoState) promotePending(now time.Time) {
	p := c.pending
	c.pending = nil
	c.rotateRecv(p.recv, now)
	c.switchSend(p.send, p.recv.epoch, now)
	crypto.SecureZero(c.seed)
	c.seed = p.seed
	if c.opts.OnPromote != nil {
		c.opts.OnPromote(p.recv.epoch)
	}
}

func (c *CryptoState) rotateRecv(next *recvEpoch, now time.Time) {
	c.expirePrevious()
	c.prev = c.recv
	c.prev.expires = now.Add(c.opts.PreviousEpochGrace)
	c.recv = next
}

func (c *CryptoState) switchSend(next *crypto.Cipher, epoch uint16, now time.Time) {
	if c.send != nil {
		c.send.Close()
	}
	c.send = next
	c.sendEpoch = epoch
	c.sendSeq = 0
	c.sendBytes = 0
	c.lastSwitch = now
}

func (c *CryptoState) expirePrevious() {
	c.prev.close()
	c.prev = nil
}

func (c *CryptoState) dropPending() {
	if c.pending == nil {
		return
	}
	c.pending.recv.close()
	c.pending.send.Close()
	crypto.SecureZero(c.pending.seed)
	c.pending = nil
}
