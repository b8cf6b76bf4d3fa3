// Package session runs established WRAITH sessions: framed, encrypted
// traffic with replay protection, key ratcheting, a reliable control
// channel, liveness and path migration.
//
// Each Session is owned by a single goroutine. Public methods talk to it
// through channels and are safe for concurrent use.
package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

// Lifecycle errors reported by Err and by failed calls.
var (
	ErrClosed              = errors.New("session: closed")
	ErrClosedByPeer        = errors.New("session: closed by peer")
	ErrIdleTimeout         = errors.New("session: idle timeout")
	ErrPeerUnresponsive    = errors.New("session: peer stopped acknowledging")
	ErrTooManyAuthFailures = errors.New("session: too many authentication failures")
	ErrNotEstablished      = errors.New("session: not established")
	ErrNoPath              = errors.New("session: no path to peer")
	ErrReplaced            = errors.New("session: replaced by a newer session")
)

// Paths resolves the current network path to a peer. Sessions do not store
// addresses themselves; migration updates the shared table.
type Paths interface {
	Path(id peer.ID) (net.Addr, bool)
	SetPath(id peer.ID, addr net.Addr)
}

// Observer receives session lifecycle notifications. Calls are made from
// the session goroutine and must not block.
type Observer interface {
	StateChanged(s *Session, from, to State)
	RekeyCompleted(s *Session, epoch uint16)
	AuthFailure(s *Session)
	Closed(s *Session, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StateChanged(*Session, State, State) {}
func (NopObserver) RekeyCompleted(*Session, uint16)     {}
func (NopObserver) AuthFailure(*Session)                {}
func (NopObserver) Closed(*Session, error)              {}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	PeerID     peer.ID
	ConnID     handshake.ConnID
	State      State
	Epoch      uint16
	RemoteAddr net.Addr

	EstablishedAt time.Time
	LastRekey     time.Time
	LastActivity  time.Time

	RTT         time.Duration
	SmoothedRTT time.Duration

	FramesSent       uint64
	FramesReceived   uint64
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64

	DataDropped     uint64
	InboundDropped  uint64
	Rekeys          uint64
	AuthFailures    uint64
	ReplaysRejected uint64
	StaleRejected   uint64
	Malformed       uint64
	Retransmits     uint64
	Migrations      uint64

	// TimingDelay is the total delay added to data frames by Timing.
	TimingDelay time.Duration
}

// LossRate estimates packet loss from control retransmissions.
func (s Stats) LossRate() float64 {
	total := s.MessagesSent + s.Retransmits
	if total == 0 {
		return 0
	}
	return float64(s.Retransmits) / float64(total)
}

type cmdKind int

const (
	cmdData cmdKind = iota
	cmdMessage
	cmdRekey
	cmdClose
	cmdPing
	cmdTerminate
)

type command struct {
	kind    cmdKind
	payload []byte
	reply   chan error
	err     error
}

type inboundFrame struct {
	frame []byte
	from  net.Addr
}

// Session is an authenticated, encrypted channel to one peer.
type Session struct {
	cfg       Config
	peerID    peer.ID
	peerPub   ed25519.PublicKey
	connID    handshake.ConnID
	initiator bool

	out      transport.Sender
	paths    Paths
	logger   logging.Logger
	observer Observer

	inbound     chan inboundFrame
	cmds        chan command
	data        chan []byte
	messages    chan []byte
	established chan struct{}
	done        chan struct{}

	mu    sync.RWMutex
	state State
	epoch uint16
	stats Stats
	err   error

	// Owned by run.
	crypto        *CryptoState
	ctrlOut       *controlSender
	ctrlIn        *controlReceiver
	inbox         [][]byte
	waiting       []command
	closeWaiters  []chan error
	msg3          []byte
	created       time.Time
	lastRecv      time.Time
	lastSend      time.Time
	lastHandshake time.Time
	rekeyDeadline time.Time
	closeDeadline time.Time
	promoted      bool
}

type params struct {
	cfg      Config
	result   *handshake.Result
	out      transport.Sender
	paths    Paths
	logger   logging.Logger
	observer Observer

	// msg3 is set on the initiator, which stays in Handshaking and resends
	// it until the responder's first frame arrives.
	msg3 []byte
}

func newSession(p params) (*Session, error) {
	cfg := p.cfg
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p.observer == nil {
		p.observer = NopObserver{}
	}

	s := &Session{
		cfg:         cfg,
		peerID:      p.result.PeerID,
		peerPub:     p.result.PeerPublicKey,
		connID:      p.result.ConnID,
		initiator:   p.result.Initiator,
		out:         p.out,
		paths:       p.paths,
		logger:      logging.OrNop(p.logger),
		observer:    p.observer,
		inbound:     make(chan inboundFrame, cfg.DataBuffer),
		cmds:        make(chan command),
		data:        make(chan []byte, cfg.DataBuffer),
		messages:    make(chan []byte, cfg.MessageBuffer),
		established: make(chan struct{}),
		done:        make(chan struct{}),
		ctrlOut:     newControlSender(cfg.MaxInflightControl, cfg.ControlRTO, cfg.MaxControlRTO),
		ctrlIn:      newControlReceiver(cfg.MaxInflightControl),
	}

	cs, err := NewCryptoState(p.result, CryptoOptions{
		PreviousEpochGrace: cfg.PreviousEpochGrace,
		MaxPayload:         cfg.MaxFramePayload,
		Padding:            cfg.Padding,
		Now:                cfg.Now,
		OnPromote:          func(uint16) { s.promoted = true },
	})
	if err != nil {
		return nil, err
	}
	s.crypto = cs

	now := cfg.Now()
	s.created, s.lastRecv, s.lastSend = now, now, now
	s.stats.PeerID = s.peerID
	s.stats.ConnID = s.connID
	s.stats.LastActivity = now

	if p.msg3 != nil {
		s.msg3 = append([]byte(nil), p.msg3...)
		s.lastHandshake = now
		s.state = StateHandshaking
	} else {
		s.state = StateEstablished
		s.stats.EstablishedAt = now
		close(s.established)
	}
	return s, nil
}

// start launches the session goroutine. A responder session confirms
// itself with an immediate Ping.
func (s *Session) start() {
	go s.run()
	if s.msg3 == nil {
		s.confirm()
	}
}

// PeerID returns the authenticated remote identity.
func (s *Session) PeerID() peer.ID { return s.peerID }

// PeerPublicKey returns the remote static Ed25519 key.
func (s *Session) PeerPublicKey() ed25519.PublicKey { return s.peerPub }

// ConnID returns the wire identifier of the session.
func (s *Session) ConnID() handshake.ConnID { return s.connID }

// Initiator reports whether this side started the handshake.
func (s *Session) Initiator() bool { return s.initiator }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Epoch returns the current send epoch.
func (s *Session) Epoch() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// RemoteAddr returns the path frames are currently sent on.
func (s *Session) RemoteAddr() net.Addr {
	addr, _ := s.paths.Path(s.peerID)
	return addr
}

// Data returns unreliable datagrams from the peer. Datagrams that arrive
// while the channel is full are dropped. The channel is closed when the
// session ends.
func (s *Session) Data() <-chan []byte { return s.data }

// Messages returns reliable messages in the order they were sent. The
// peer is not acknowledged while the channel is full. The channel is closed
// when the session ends.
func (s *Session) Messages() <-chan []byte { return s.messages }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.State = s.state
	st.Epoch = s.epoch
	st.RemoteAddr, _ = s.paths.Path(s.peerID)
	return st
}

// WaitEstablished blocks until the session leaves Handshaking.
func (s *Session) WaitEstablished(ctx context.Context) error {
	select {
	case <-s.established:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send transmits an unreliable datagram.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if len(payload) > s.cfg.MaxFramePayload {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), s.cfg.MaxFramePayload)
	}
	return s.do(ctx, cmdData, payload)
}

// SendMessage queues a reliable message. It returns once the message is in
// the send window; delivery is confirmed asynchronously.
func (s *Session) SendMessage(ctx context.Context, payload []byte) error {
	if max := s.cfg.MaxMessageSize(); len(payload) > max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), max)
	}
	return s.do(ctx, cmdMessage, append([]byte(nil), payload...))
}

// ForceRekey starts a key ratchet now.
func (s *Session) ForceRekey(ctx context.Context) error {
	return s.do(ctx, cmdRekey, nil)
}

// Close sends Close to the peer and waits for its acknowledgement, the
// close timeout or ctx.
func (s *Session) Close(ctx context.Context) error {
	err := s.do(ctx, cmdClose, nil)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) confirm() {
	select {
	case s.cmds <- command{kind: cmdPing}:
	case <-s.done:
	}
}

func (s *Session) do(ctx context.Context, kind cmdKind, payload []byte) error {
	cmd := command{kind: kind, payload: payload, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver hands a received frame to the session. It copies b.
func (s *Session) deliver(b []byte, from net.Addr) {
	f := inboundFrame{frame: append([]byte(nil), b...), from: from}
	select {
	case s.inbound <- f:
	case <-s.done:
	default:
		s.mu.Lock()
		s.stats.InboundDropped++
		s.mu.Unlock()
	}
}

func (s *Session) run() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		var (
			msgs chan<- []byte
			head []byte
		)
		if len(s.inbox) > 0 {
			msgs = s.messages
			head = s.inbox[0]
		}

		select {
		case f := <-s.inbound:
			s.handleFrame(f)
		case cmd := <-s.cmds:
			s.handleCommand(cmd)
		case msgs <- head:
			s.inbox[0] = nil
			s.inbox = s.inbox[1:]
		case <-ticker.C:
			s.tick(s.cfg.Now())
		}

		if s.State() == StateClosed {
			return
		}
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || !from.CanTransitionTo(to) {
		s.mu.Unlock()
		return
	}
	s.state = to
	if to == StateEstablished && from == StateHandshaking {
		s.stats.EstablishedAt = s.cfg.Now()
	}
	s.mu.Unlock()

	if from == StateHandshaking && to == StateEstablished {
		s.msg3 = nil
		close(s.established)
	}
	s.logger.Debug("session state changed", "peer", s.peerID, "from", from, "to", to)
	s.observer.StateChanged(s, from, to)
}

func (s *Session) handleCommand(cmd command) {
	state := s.State()
	switch cmd.kind {
	case cmdData:
		if !state.IsOpen() {
			cmd.reply <- ErrNotEstablished
			return
		}
		cmd.reply <- s.transmit(FrameData, cmd.payload)
		s.maybeRekey(s.cfg.Now())

	case cmdMessage:
		if state == StateClosing {
			cmd.reply <- ErrClosed
			return
		}
		if s.ctrlOut.full() || len(s.waiting) > 0 {
			s.waiting = append(s.waiting, cmd)
			return
		}
		cmd.reply <- s.sendMessage(cmd.payload)
		s.maybeRekey(s.cfg.Now())

	case cmdRekey:
		switch state {
		case StateEstablished:
		case StateRekeying:
			cmd.reply <- ErrRekeyInProgress
			return
		default:
			cmd.reply <- ErrNotEstablished
			return
		}
		cmd.reply <- s.startRekey(s.cfg.Now())

	case cmdClose:
		switch state {
		case StateClosing:
			s.closeWaiters = append(s.closeWaiters, cmd.reply)
		default:
			s.closeWaiters = append(s.closeWaiters, cmd.reply)
			s.setState(StateClosing)
			s.closeDeadline = s.cfg.Now().Add(s.cfg.CloseTimeout)
			if err := s.sendReliable(FrameClose, nil); err != nil {
				s.finish(ErrClosed)
			}
		}

	case cmdPing:
		_ = s.ping()

	case cmdTerminate:
		s.finish(cmd.err)
	}
}

func (s *Session) sendMessage(payload []byte) error {
	if err := s.sendReliable(FrameMessage, payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.MessagesSent++
	s.mu.Unlock()
	return nil
}

// admitWaiting moves blocked SendMessage calls into the window.
func (s *Session) admitWaiting() {
	for len(s.waiting) > 0 && !s.ctrlOut.full() {
		cmd := s.waiting[0]
		s.waiting = s.waiting[1:]
		cmd.reply <- s.sendMessage(cmd.payload)
	}
}

func (s *Session) sendReliable(t FrameType, body []byte) error {
	o := s.ctrlOut.push(t, body, s.cfg.Now())
	return s.transmit(o.typ, encodeControl(o.seq, o.body))
}

func (s *Session) retransmit(o *outbound, now time.Time) error {
	o.attempts++
	o.sent = now
	s.mu.Lock()
	s.stats.Retransmits++
	s.mu.Unlock()
	return s.transmit(o.typ, encodeControl(o.seq, o.body))
}

func (s *Session) transmit(t FrameType, payload []byte) error {
	frame, err := s.crypto.Encrypt(t, payload)
	if err != nil {
		return err
	}
	addr, ok := s.paths.Path(s.peerID)
	if !ok {
		return ErrNoPath
	}
	pkt := transport.Encode(transport.ClassFrame, s.connID[:], frame)
	var delay time.Duration
	if t == FrameData {
		delay = s.cfg.Timing.delay()
	}
	if delay > 0 {
		time.AfterFunc(delay, func() {
			if err := s.out.WriteTo(pkt, addr); err != nil {
				s.logger.Debug("delayed frame write failed", "peer", s.peerID, "error", err)
			}
		})
	} else if err := s.out.WriteTo(pkt, addr); err != nil {
		s.logger.Debug("frame write failed", "peer", s.peerID, "type", t, "error", err)
		return err
	}
	s.lastSend = s.cfg.Now()
	s.mu.Lock()
	s.stats.FramesSent++
	s.stats.BytesSent += uint64(len(payload))
	s.stats.TimingDelay += delay
	s.mu.Unlock()
	return nil
}

func (s *Session) ping() error {
	return s.transmit(FramePing, encodeUint64(uint64(s.cfg.Now().UnixNano())))
}

func (s *Session) handleFrame(f inboundFrame) {
	h, payload, err := s.crypto.Decrypt(f.frame)
	if err != nil {
		s.rejectFrame(h, err)
		return
	}

	now := s.cfg.Now()
	s.lastRecv = now
	s.mu.Lock()
	s.stats.FramesReceived++
	s.stats.BytesReceived += uint64(len(payload))
	s.stats.LastActivity = now
	s.mu.Unlock()

	if cur, ok := s.paths.Path(s.peerID); !ok || !transport.SameAddr(cur, f.from) {
		s.paths.SetPath(s.peerID, f.from)
		if ok {
			s.mu.Lock()
			s.stats.Migrations++
			s.mu.Unlock()
			s.logger.Info("session path migrated", "peer", s.peerID, "from", cur, "to", f.from)
		}
	}

	if s.State() == StateHandshaking {
		s.setState(StateEstablished)
	}
	if s.promoted {
		s.promoted = false
		s.rekeyed(now)
	}

	if h.Type.Reliable() {
		s.handleReliable(h.Type, payload)
		return
	}

	switch h.Type {
	case FrameData:
		select {
		case s.data <- payload:
		default:
			s.mu.Lock()
			s.stats.DataDropped++
			s.mu.Unlock()
		}
	case FrameControlAck:
		cum, window, err := decodeAck(payload)
		if err != nil {
			return
		}
		if s.ctrlOut.ack(cum, now) > 0 {
			s.updateRTT(0)
			s.admitWaiting()
		}
		if window == 0 {
			s.ctrlOut.stall()
		}
	case FrameRetransmitRequest:
		from, err := decodeUint64(payload)
		if err != nil {
			return
		}
		for _, o := range s.ctrlOut.from(from) {
			_ = s.retransmit(o, now)
		}
	case FramePing:
		_ = s.transmit(FramePong, payload)
	case FramePong:
		sent, err := decodeUint64(payload)
		if err != nil {
			return
		}
		rtt := now.Sub(time.Unix(0, int64(sent)))
		s.ctrlOut.observe(rtt)
		s.updateRTT(rtt)
	case FrameCloseAck:
		if s.State() == StateClosing {
			s.finish(ErrClosed)
		}
	case FramePadding:
	}
}

func (s *Session) rejectFrame(h Header, err error) {
	s.mu.Lock()
	switch {
	case errors.Is(err, ErrReplay):
		s.stats.ReplaysRejected++
	case errors.Is(err, ErrStaleEpoch), errors.Is(err, ErrUnknownEpoch):
		s.stats.StaleRejected++
	case errors.Is(err, ErrAuthenticationFailed):
		s.stats.AuthFailures++
	default:
		s.stats.Malformed++
	}
	s.mu.Unlock()

	if !errors.Is(err, ErrAuthenticationFailed) {
		return
	}
	s.observer.AuthFailure(s)
	if s.crypto.ConsecutiveAuthFailures() >= s.cfg.MaxAuthFailures {
		s.logger.Warn("closing session after repeated authentication failures",
			"peer", s.peerID, "failures", s.crypto.ConsecutiveAuthFailures(), "epoch", h.Epoch)
		// The Close goes to the last authenticated path, not to the
		// sender of the forged frames. No CloseAck is awaited.
		s.setState(StateClosing)
		_ = s.sendReliable(FrameClose, nil)
		s.finish(ErrTooManyAuthFailures)
	}
}

func (s *Session) updateRTT(sample time.Duration) {
	s.mu.Lock()
	if sample > 0 {
		s.stats.RTT = sample
	}
	s.stats.SmoothedRTT = s.ctrlOut.srtt
	s.mu.Unlock()
}

func (s *Session) handleReliable(t FrameType, pt []byte) {
	seq, body, err := decodeControl(pt)
	if err != nil {
		return
	}
	if seq == s.ctrlIn.expected && len(s.inbox) >= s.cfg.MessageBuffer {
		// Application is not reading. Leave seq unacknowledged but tell
		// the sender there is no room, so its retries keep the session.
		_ = s.transmit(FrameControlAck, encodeAck(s.ctrlIn.cumulative(), 0))
		return
	}

	ready, status := s.ctrlIn.receive(seq, delivery{typ: t, body: body})
	switch status {
	case recvDropped:
		return
	case recvBuffered:
		_ = s.transmit(FrameRetransmitRequest, encodeUint64(s.ctrlIn.expected))
	}
	_ = s.transmit(FrameControlAck, encodeAck(s.ctrlIn.cumulative(), s.cfg.MessageBuffer-len(s.inbox)))

	for _, d := range ready {
		s.process(d)
		if s.State() == StateClosed {
			return
		}
	}
}

func (s *Session) process(d delivery) {
	switch d.typ {
	case FrameMessage:
		s.inbox = append(s.inbox, d.body)
		s.mu.Lock()
		s.stats.MessagesReceived++
		s.mu.Unlock()
	case FrameRekey:
		s.onRekey(d.body)
	case FrameRekeyAck:
		s.onRekeyAck(d.body)
	case FrameRekeyConfirm:
		// Receiving it under the new epoch already promoted the keys.
	case FrameClose:
		_ = s.transmit(FrameCloseAck, nil)
		s.finish(ErrClosedByPeer)
	}
}

func (s *Session) startRekey(now time.Time) error {
	pub, err := s.crypto.BeginRekey()
	if err != nil {
		return err
	}
	s.setState(StateRekeying)
	s.rekeyDeadline = now.Add(s.cfg.RekeyTimeout)
	s.logger.Debug("rekey started", "peer", s.peerID, "epoch", s.crypto.SendEpoch())
	return s.sendReliable(FrameRekey, pub)
}

func (s *Session) onRekey(peerEphemeral []byte) {
	if s.crypto.RekeyInProgress() {
		if s.initiator {
			// Both sides started a ratchet; the handshake initiator's wins.
			return
		}
		s.crypto.AbortRekey()
	}
	pub, err := s.crypto.AcceptRekey(peerEphemeral)
	if err != nil {
		s.logger.Warn("rejecting rekey", "peer", s.peerID, "error", err)
		return
	}
	s.setState(StateRekeying)
	s.rekeyDeadline = s.cfg.Now().Add(2 * s.cfg.RekeyTimeout)
	_ = s.sendReliable(FrameRekeyAck, pub)
}

func (s *Session) onRekeyAck(peerEphemeral []byte) {
	if err := s.crypto.CompleteRekey(peerEphemeral); err != nil {
		if !errors.Is(err, ErrNoRekey) {
			s.logger.Warn("rekey completion failed", "peer", s.peerID, "error", err)
			s.setState(StateEstablished)
		}
		return
	}
	s.rekeyed(s.cfg.Now())
	_ = s.sendReliable(FrameRekeyConfirm, nil)
}

func (s *Session) rekeyed(now time.Time) {
	epoch := s.crypto.SendEpoch()
	s.mu.Lock()
	s.epoch = epoch
	s.stats.Rekeys++
	s.stats.LastRekey = now
	s.mu.Unlock()
	if s.State() == StateRekeying {
		s.setState(StateEstablished)
	}
	s.logger.Debug("rekey complete", "peer", s.peerID, "epoch", epoch)
	s.observer.RekeyCompleted(s, epoch)
}

func (s *Session) tick(now time.Time) {
	state := s.State()

	if state == StateHandshaking {
		if now.Sub(s.created) >= s.cfg.HandshakeTimeout {
			s.finish(handshake.ErrTimeout)
			return
		}
		if now.Sub(s.lastHandshake) >= s.cfg.HandshakeRetransmit {
			s.lastHandshake = now
			if addr, ok := s.paths.Path(s.peerID); ok {
				_ = s.out.WriteTo(transport.Encode(transport.ClassHandshake, s.msg3), addr)
			}
		}
	}

	for _, o := range s.ctrlOut.due(now) {
		if o.attempts > s.cfg.MaxControlRetransmits {
			s.finish(ErrPeerUnresponsive)
			return
		}
		_ = s.retransmit(o, now)
	}

	if state == StateClosing && now.After(s.closeDeadline) {
		s.finish(ErrClosed)
		return
	}

	if now.Sub(s.lastRecv) >= s.cfg.IdleTimeout {
		s.finish(ErrIdleTimeout)
		return
	}
	if state.IsOpen() && now.Sub(s.lastSend) >= s.cfg.KeepaliveInterval {
		_ = s.ping()
	}

	switch state {
	case StateEstablished:
		if !s.maybeRekey(now) {
			return
		}
	case StateRekeying:
		if now.After(s.rekeyDeadline) {
			s.logger.Debug("rekey timed out", "peer", s.peerID)
			s.crypto.AbortRekey()
			s.crypto.DropPending()
			s.setState(StateEstablished)
		}
	}

	s.crypto.Expire(now)
}

// maybeRekey starts a ratchet when a send threshold is reached. It
// reports false if the session had to close.
func (s *Session) maybeRekey(now time.Time) bool {
	if s.State() != StateEstablished {
		return true
	}
	packets, bytes, since := s.crypto.SentSinceSwitch()
	if packets < s.cfg.RekeyAfterPackets && bytes < s.cfg.RekeyAfterBytes && now.Sub(since) < s.cfg.RekeyInterval {
		return true
	}
	err := s.startRekey(now)
	switch {
	case err == nil, errors.Is(err, ErrRekeyInProgress):
		return true
	case errors.Is(err, ErrEpochExhausted):
		s.finish(err)
		return false
	default:
		s.logger.Warn("automatic rekey failed", "peer", s.peerID, "error", err)
		return true
	}
}

// terminate ends the session locally without notifying the peer.
func (s *Session) terminate(err error) {
	select {
	case s.cmds <- command{kind: cmdTerminate, err: err}:
	case <-s.done:
	}
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateClosed
	if s.err == nil {
		s.err = err
	}
	err = s.err
	s.mu.Unlock()

	s.crypto.Close()
	s.ctrlOut.reset()

	for _, m := range s.inbox {
		select {
		case s.messages <- m:
		default:
		}
	}
	s.inbox = nil
	for _, cmd := range s.waiting {
		cmd.reply <- ErrClosed
	}
	s.waiting = nil
	for _, w := range s.closeWaiters {
		w <- nil
	}
	s.closeWaiters = nil

	close(s.done)
	close(s.data)
	close(s.messages)

	if errors.Is(err, ErrClosed) || errors.Is(err, ErrClosedByPeer) {
		s.logger.Debug("session closed", "peer", s.peerID, "reason", err)
	} else {
		s.logger.Info("session closed", "peer", s.peerID, "reason", err)
	}
	s.observer.StateChanged(s, from, StateClosed)
	s.observer.Closed(s, err)
}
