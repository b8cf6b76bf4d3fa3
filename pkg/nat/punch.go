package nat

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

type punchType uint8

const (
	punchProbe punchType = iota + 1
	punchProbeAck
	punchOffer
	punchAnswer
)

// punchMessage is carried in ClassPunch datagrams. Probes go straight to
// candidate addresses; offers and answers travel through a relay.
type punchMessage struct {
	Type  punchType `cbor:"1,keyasint"`
	Nonce uint64    `cbor:"2,keyasint"`
	Peer  []byte    `cbor:"3,keyasint"`
	// Mapped is the sender's public mapping as a multiaddr.
	Mapped []byte `cbor:"4,keyasint,omitempty"`
	NAT    Type   `cbor:"5,keyasint,omitempty"`
	// Delay in milliseconds before probing starts.
	Delay uint32 `cbor:"6,keyasint,omitempty"`
}

var (
	punchEnc cbor.EncMode
	punchDec cbor.DecMode
)

func init() {
	var err error
	if punchEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if punchDec, err = (cbor.DecOptions{MaxArrayElements: 16, MaxMapPairs: 16, MaxNestedLevels: 4}).DecMode(); err != nil {
		panic(err)
	}
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

type probeReply struct {
	from net.Addr
	peer peer.ID
}

type probeWaiter struct {
	expect peer.ID
	ch     chan probeReply
}

// Puncher answers probes and runs probe and hole-punch attempts. Register
// HandleDatagram for transport.ClassPunch.
type Puncher struct {
	out    transport.Sender
	self   peer.ID
	cfg    Config
	local  func() Result
	logger logging.Logger

	mu      sync.Mutex
	waiters map[uint64]*probeWaiter
	answers map[uint64]chan punchMessage
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPuncher creates a puncher for self. local reports the current NAT
// detection result.
func NewPuncher(out transport.Sender, self peer.ID, cfg Config, local func() Result, logger logging.Logger) *Puncher {
	cfg.applyDefaults()
	if local == nil {
		local = func() Result { return Result{} }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Puncher{
		out:     out,
		self:    self,
		cfg:     cfg,
		local:   local,
		logger:  logging.OrNop(logger),
		waiters: make(map[uint64]*probeWaiter),
		answers: make(map[uint64]chan punchMessage),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close stops responder-side punches.
func (p *Puncher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Puncher) send(to net.Addr, m *punchMessage) error {
	m.Peer = []byte(p.self)
	b, err := punchEnc.Marshal(m)
	if err != nil {
		return err
	}
	return p.out.WriteTo(transport.Encode(transport.ClassPunch, b), to)
}

// HandleDatagram processes one punch datagram.
func (p *Puncher) HandleDatagram(b []byte, from net.Addr) {
	var m punchMessage
	if err := punchDec.Unmarshal(b, &m); err != nil {
		return
	}
	sender, err := peer.IDFromBytes(m.Peer)
	if err != nil {
		return
	}

	switch m.Type {
	case punchProbe:
		if err := p.send(from, &punchMessage{Type: punchProbeAck, Nonce: m.Nonce}); err != nil {
			p.logger.Debug("Failed to answer probe", "to", from.String(), "error", err)
		}

	case punchProbeAck:
		p.mu.Lock()
		w := p.waiters[m.Nonce]
		p.mu.Unlock()
		if w != nil && (w.expect == "" || w.expect == sender) {
			select {
			case w.ch <- probeReply{from: from, peer: sender}:
			default:
			}
		}

	case punchOffer:
		p.answerOffer(&m, sender, from)

	case punchAnswer:
		p.mu.Lock()
		ch := p.answers[m.Nonce]
		delete(p.answers, m.Nonce)
		p.mu.Unlock()
		if ch != nil {
			ch <- m
		}
	}
}

func (p *Puncher) answerOffer(offer *punchMessage, sender peer.ID, from net.Addr) {
	loc := p.local()
	answer := &punchMessage{Type: punchAnswer, Nonce: offer.Nonce, NAT: loc.Type, Delay: offer.Delay}
	if loc.Mapped != nil {
		if ma, err := transport.FromNetAddr(loc.Mapped); err == nil {
			answer.Mapped = ma.Bytes()
		}
	}
	if err := p.send(from, answer); err != nil {
		p.logger.Debug("Failed to answer punch offer", "peer", sender, "error", err)
		return
	}
	if !Punchable(loc.Type, offer.NAT) || len(offer.Mapped) == 0 {
		return
	}
	ma, err := multiaddr.NewMultiaddrBytes(offer.Mapped)
	if err != nil {
		return
	}
	target, err := transport.ToNetAddr(ma)
	if err != nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		if !sleepCtx(p.ctx, time.Duration(offer.Delay)*time.Millisecond) {
			return
		}
		if _, _, err := p.Probe(p.ctx, target, sender, p.cfg.PunchTimeout); err != nil {
			p.logger.Debug("Responder punch failed", "peer", sender, "target", target.String(), "error", err)
		}
	}()
}

// Probe sends probes to to every PunchInterval until one is acknowledged
// by expect (any peer when empty) or timeout passes. It returns the
// address the acknowledgement came from and the round-trip time.
func (p *Puncher) Probe(ctx context.Context, to net.Addr, expect peer.ID, timeout time.Duration) (net.Addr, time.Duration, error) {
	nonce := randomNonce()
	w := &probeWaiter{expect: expect, ch: make(chan probeReply, 1)}
	p.mu.Lock()
	p.waiters[nonce] = w
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, nonce)
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(p.cfg.PunchInterval)
	defer ticker.Stop()

	start := time.Now()
	probe := &punchMessage{Type: punchProbe, Nonce: nonce}
	if err := p.send(to, probe); err != nil {
		return nil, 0, err
	}
	for {
		select {
		case r := <-w.ch:
			return r.from, time.Since(start), nil
		case <-ticker.C:
			if err := p.send(to, probe); err != nil {
				return nil, 0, err
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, 0, fmt.Errorf("%w: probing %s", ErrTimeout, to)
			}
			return nil, 0, ctx.Err()
		}
	}
}

// Punch coordinates a simultaneous open with target through signal, an
// address (normally a relay circuit) that already reaches it. Both sides
// exchange their public mappings and start probing after an agreed delay.
func (p *Puncher) Punch(ctx context.Context, target peer.ID, signal net.Addr) (net.Addr, time.Duration, error) {
	loc := p.local()
	if loc.Mapped == nil {
		return nil, 0, ErrNoMapping
	}
	ma, err := transport.FromNetAddr(loc.Mapped)
	if err != nil {
		return nil, 0, err
	}

	nonce := randomNonce()
	ch := make(chan punchMessage, 1)
	p.mu.Lock()
	p.answers[nonce] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.answers, nonce)
		p.mu.Unlock()
	}()

	delay := p.cfg.PunchDelay
	offer := &punchMessage{
		Type:   punchOffer,
		Nonce:  nonce,
		Mapped: ma.Bytes(),
		NAT:    loc.Type,
		Delay:  uint32(delay / time.Millisecond),
	}
	sent := time.Now()
	if err := p.send(signal, offer); err != nil {
		return nil, 0, err
	}

	timer := time.NewTimer(p.cfg.RelayTimeout)
	defer timer.Stop()
	var answer punchMessage
	select {
	case answer = <-ch:
	case <-timer.C:
		return nil, 0, fmt.Errorf("%w: no punch answer from %s", ErrTimeout, target)
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	if !Punchable(loc.Type, answer.NAT) {
		return nil, 0, ErrNotPunchable
	}
	remote, err := multiaddr.NewMultiaddrBytes(answer.Mapped)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad mapping in answer", ErrTimeout)
	}
	to, err := transport.ToNetAddr(remote)
	if err != nil {
		return nil, 0, err
	}

	// The responder started its delay when the offer arrived, half a
	// round trip ago.
	if wait := delay - time.Since(sent)/2; wait > 0 {
		if !sleepCtx(ctx, wait) {
			return nil, 0, ctx.Err()
		}
	}
	return p.Probe(ctx, to, target, p.cfg.PunchTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
