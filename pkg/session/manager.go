package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

// Manager errors.
var (
	ErrDialInProgress = errors.New("session: handshake already in progress for address")
	ErrManagerClosed  = errors.New("session: manager closed")
	ErrRejected       = errors.New("session: peer rejected by gate")
)

// DefaultMaxPendingHandshakes bounds half-open responder handshakes.
const DefaultMaxPendingHandshakes = 256

// HandshakeObserver receives handshake outcomes in addition to session
// events.
type HandshakeObserver interface {
	Observer
	HandshakeCompleted(id peer.ID, initiator bool, d time.Duration)
	HandshakeFailed(addr net.Addr, err error)
}

func (NopObserver) HandshakeCompleted(peer.ID, bool, time.Duration) {}
func (NopObserver) HandshakeFailed(net.Addr, error)                {}

// Gate decides whether an authenticated peer may hold a session.
type Gate func(id peer.ID) error

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Session   Config
	Handshake handshake.Options

	// MaxPendingHandshakes bounds responder state kept for unfinished
	// handshakes.
	MaxPendingHandshakes int

	// AcceptBuffer is the capacity of the Accept channel.
	AcceptBuffer int
}

type pendingDial struct {
	addr    net.Addr
	in      chan []byte
	cancel  context.CancelFunc
	mu      sync.Mutex
	msg1    []byte
	yielded bool
}

type pendingResponse struct {
	r       *handshake.Responder
	created time.Time
	session *Session
}

// Manager owns every session of a node. It runs handshakes in both
// directions, demultiplexes frames by connection ID and keeps at most one
// session per peer. All public methods are thread-safe.
type Manager struct {
	id       *crypto.Identity
	out      transport.Sender
	config   ManagerConfig
	logger   logging.Logger
	observer HandshakeObserver
	gate     Gate

	sessions   map[peer.ID]*Session
	byConn     map[handshake.ConnID]*Session
	dials      map[string]*pendingDial
	responding map[string]*pendingResponse
	watchers   map[peer.ID][]chan *Session
	mu         sync.RWMutex

	paths  map[peer.ID]net.Addr
	pathMu sync.RWMutex

	accept chan *Session

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a session manager. Register HandleHandshake and
// HandleFrame with the transport mux to feed it.
func NewManager(
	ctx context.Context,
	id *crypto.Identity,
	out transport.Sender,
	config ManagerConfig,
	logger logging.Logger,
	observer HandshakeObserver,
) *Manager {
	if config.MaxPendingHandshakes <= 0 {
		config.MaxPendingHandshakes = DefaultMaxPendingHandshakes
	}
	if config.AcceptBuffer <= 0 {
		config.AcceptBuffer = 64
	}
	if observer == nil {
		observer = NopObserver{}
	}
	config.Session.applyDefaults()

	managerCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		id:         id,
		out:        out,
		config:     config,
		logger:     logging.OrNop(logger),
		observer:   observer,
		sessions:   make(map[peer.ID]*Session),
		byConn:     make(map[handshake.ConnID]*Session),
		dials:      make(map[string]*pendingDial),
		responding: make(map[string]*pendingResponse),
		watchers:   make(map[peer.ID][]chan *Session),
		paths:      make(map[peer.ID]net.Addr),
		accept:     make(chan *Session, config.AcceptBuffer),
		ctx:        managerCtx,
		cancel:     cancel,
	}
	go m.janitor()
	return m
}

// SetGate installs the admission check for authenticated peers.
func (m *Manager) SetGate(g Gate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = g
}

// Accept returns sessions created by inbound handshakes.
func (m *Manager) Accept() <-chan *Session {
	return m.accept
}

// Get returns the session with a peer.
func (m *Manager) Get(id peer.ID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// PendingHandshakes returns the number of handshakes in flight.
func (m *Manager) PendingHandshakes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.dials)
	for _, p := range m.responding {
		if p.session == nil {
			n++
		}
	}
	return n
}

// Path implements Paths.
func (m *Manager) Path(id peer.ID) (net.Addr, bool) {
	m.pathMu.RLock()
	defer m.pathMu.RUnlock()
	a, ok := m.paths[id]
	return a, ok
}

// SetPath implements Paths.
func (m *Manager) SetPath(id peer.ID, addr net.Addr) {
	m.pathMu.Lock()
	defer m.pathMu.Unlock()
	m.paths[id] = addr
}

func (m *Manager) admit(id peer.ID) error {
	m.mu.RLock()
	g := m.gate
	m.mu.RUnlock()
	if g == nil {
		return nil
	}
	if err := g(id); err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return nil
}

// Dial runs a handshake with the peer at addr and returns the established
// session. An existing open session with the peer is returned as is.
func (m *Manager) Dial(ctx context.Context, expected peer.ID, addr net.Addr) (*Session, error) {
	if m.ctx.Err() != nil {
		return nil, ErrManagerClosed
	}
	if s, ok := m.Get(expected); ok && s.State().IsOpen() {
		return s, nil
	}
	if err := m.admit(expected); err != nil {
		return nil, err
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	key := addr.String()
	d := &pendingDial{addr: addr, in: make(chan []byte, 4), cancel: cancel}
	m.mu.Lock()
	if _, busy := m.dials[key]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDialInProgress, addr)
	}
	m.dials[key] = d
	m.mu.Unlock()

	watch := m.watch(expected)
	defer m.unwatch(expected, watch)
	defer func() {
		m.mu.Lock()
		delete(m.dials, key)
		m.mu.Unlock()
	}()

	start := time.Now()
	init, res, err := handshake.Initiate(dctx, m.id, &dialConn{m: m, d: d}, expected, m.config.Handshake)
	if err != nil {
		if d.hasYielded() {
			m.logger.Debug("simultaneous open, continuing as responder", "peer", expected, "addr", addr)
			return m.await(ctx, watch)
		}
		m.observer.HandshakeFailed(addr, err)
		return nil, err
	}

	m.SetPath(res.PeerID, addr)
	s, err := newSession(params{
		cfg:      m.config.Session,
		result:   res,
		out:      m.out,
		paths:    m,
		logger:   m.logger,
		observer: m,
		msg3:     init.Message3(),
	})
	res.Keys.Zero()
	if err != nil {
		return nil, err
	}
	m.register(s)
	m.observer.HandshakeCompleted(res.PeerID, true, time.Since(start))

	if err := s.WaitEstablished(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) await(ctx context.Context, watch chan *Session) (*Session, error) {
	timer := time.NewTimer(m.config.Session.HandshakeTimeout)
	defer timer.Stop()
	select {
	case s := <-watch:
		if err := s.WaitEstablished(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case <-timer.C:
		return nil, handshake.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, ErrManagerClosed
	}
}

func (m *Manager) watch(id peer.ID) chan *Session {
	ch := make(chan *Session, 1)
	m.mu.Lock()
	m.watchers[id] = append(m.watchers[id], ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) unwatch(id peer.ID, ch chan *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.watchers[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.watchers, id)
	} else {
		m.watchers[id] = list
	}
}

// register installs s as the session for its peer, replacing any older
// one, and starts it.
func (m *Manager) register(s *Session) {
	m.mu.Lock()
	old := m.sessions[s.peerID]
	m.sessions[s.peerID] = s
	m.byConn[s.connID] = s
	for _, ch := range m.watchers[s.peerID] {
		select {
		case ch <- s:
		default:
		}
	}
	m.mu.Unlock()

	s.start()
	if old != nil && old != s {
		m.logger.Debug("replacing session", "peer", s.peerID)
		go old.terminate(ErrReplaced)
	}
}

// HandleHandshake processes a handshake datagram. b is only valid for the
// duration of the call.
func (m *Manager) HandleHandshake(b []byte, from net.Addr) {
	if m.ctx.Err() != nil {
		return
	}
	t, ok := handshake.PeekType(b)
	if !ok {
		return
	}
	msg := append([]byte(nil), b...)
	key := from.String()

	switch t {
	case handshake.Message1:
		m.onMessage1(msg, from, key)
	case handshake.Message2:
		m.mu.RLock()
		d := m.dials[key]
		m.mu.RUnlock()
		if d != nil {
			select {
			case d.in <- msg:
			default:
			}
		}
	case handshake.Message3:
		m.onMessage3(msg, from, key)
	}
}

func (m *Manager) onMessage1(msg []byte, from net.Addr, key string) {
	parsed, err := handshake.ParseMessage(msg)
	if err != nil {
		return
	}

	m.mu.Lock()
	if d := m.dials[key]; d != nil && d.contend(parsed.Payload) {
		m.mu.Unlock()
		return
	}
	if p := m.responding[key]; p != nil {
		if bytes.Equal(p.r.Message1(), msg) {
			msg2 := p.r.Message2()
			m.mu.Unlock()
			m.sendHandshake(msg2, from)
			return
		}
		if p.session == nil {
			p.r.Abort()
		}
		delete(m.responding, key)
	}
	if len(m.responding) >= m.config.MaxPendingHandshakes {
		m.mu.Unlock()
		m.logger.Warn("dropping handshake, too many pending", "addr", from)
		return
	}
	m.mu.Unlock()

	r, msg2, err := handshake.Respond(m.id, msg)
	if err != nil {
		m.observer.HandshakeFailed(from, err)
		return
	}
	m.mu.Lock()
	m.responding[key] = &pendingResponse{r: r, created: time.Now()}
	m.mu.Unlock()
	m.sendHandshake(msg2, from)
}

func (m *Manager) onMessage3(msg []byte, from net.Addr, key string) {
	m.mu.Lock()
	p := m.responding[key]
	if p == nil {
		m.mu.Unlock()
		return
	}
	if p.session != nil {
		s := p.session
		m.mu.Unlock()
		// The initiator has not seen our first frame yet.
		s.confirm()
		return
	}
	res, err := p.r.ReadMessage3(msg)
	if err != nil {
		delete(m.responding, key)
		m.mu.Unlock()
		m.logger.Debug("handshake failed", "addr", from, "error", err)
		m.observer.HandshakeFailed(from, err)
		return
	}
	m.mu.Unlock()

	if err := m.admit(res.PeerID); err != nil {
		m.mu.Lock()
		delete(m.responding, key)
		m.mu.Unlock()
		res.Keys.Zero()
		m.logger.Info("rejected inbound session", "peer", res.PeerID, "error", err)
		m.observer.HandshakeFailed(from, err)
		return
	}

	m.SetPath(res.PeerID, from)
	s, err := newSession(params{
		cfg:      m.config.Session,
		result:   res,
		out:      m.out,
		paths:    m,
		logger:   m.logger,
		observer: m,
	})
	res.Keys.Zero()
	if err != nil {
		m.logger.Error("failed to create session", "peer", res.PeerID, "error", err)
		return
	}

	m.mu.Lock()
	p.session = s
	m.mu.Unlock()

	m.register(s)
	m.observer.HandshakeCompleted(res.PeerID, false, time.Since(p.created))

	select {
	case m.accept <- s:
	default:
		m.logger.Warn("accept queue full", "peer", res.PeerID)
	}
}

// HandleFrame routes a frame datagram to its session by connection ID.
func (m *Manager) HandleFrame(b []byte, from net.Addr) {
	pkt, err := ParsePacket(b)
	if err != nil {
		return
	}
	m.mu.RLock()
	s := m.byConn[pkt.ConnID]
	m.mu.RUnlock()
	if s == nil {
		return
	}
	s.deliver(pkt.Frame, from)
}

func (m *Manager) sendHandshake(msg []byte, to net.Addr) {
	if err := m.out.WriteTo(transport.Encode(transport.ClassHandshake, msg), to); err != nil {
		m.logger.Debug("handshake write failed", "addr", to, "error", err)
	}
}

// janitor expires responder state for handshakes that never finished and
// for completed ones no longer needed to answer duplicates.
func (m *Manager) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key, p := range m.responding {
				if now.Sub(p.created) < m.config.Session.HandshakeTimeout {
					continue
				}
				if p.session == nil {
					p.r.Abort()
				}
				delete(m.responding, key)
			}
			m.mu.Unlock()
		}
	}
}

// Close terminates every session without notifying peers.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	for key, p := range m.responding {
		if p.session == nil {
			p.r.Abort()
		}
		delete(m.responding, key)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.terminate(ErrManagerClosed)
	}
}

// StateChanged implements Observer.
func (m *Manager) StateChanged(s *Session, from, to State) {
	m.observer.StateChanged(s, from, to)
}

// RekeyCompleted implements Observer.
func (m *Manager) RekeyCompleted(s *Session, epoch uint16) {
	m.observer.RekeyCompleted(s, epoch)
}

// AuthFailure implements Observer.
func (m *Manager) AuthFailure(s *Session) {
	m.observer.AuthFailure(s)
}

// Closed implements Observer. It forgets the session.
func (m *Manager) Closed(s *Session, err error) {
	m.mu.Lock()
	delete(m.byConn, s.connID)
	current := m.sessions[s.peerID] == s
	if current {
		delete(m.sessions, s.peerID)
	}
	m.mu.Unlock()
	if current {
		m.pathMu.Lock()
		delete(m.paths, s.peerID)
		m.pathMu.Unlock()
	}
	m.observer.Closed(s, err)
}

type dialConn struct {
	m *Manager
	d *pendingDial
}

func (c *dialConn) Send(_ context.Context, msg []byte) error {
	c.d.mu.Lock()
	if c.d.yielded {
		c.d.mu.Unlock()
		return context.Canceled
	}
	if c.d.msg1 == nil {
		if t, ok := handshake.PeekType(msg); ok && t == handshake.Message1 {
			c.d.msg1 = msg
		}
	}
	c.d.mu.Unlock()
	return c.m.out.WriteTo(transport.Encode(transport.ClassHandshake, msg), c.d.addr)
}

func (c *dialConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.d.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// contend settles a simultaneous open against the peer's ephemeral key.
// The smaller ephemeral stays initiator; contend reports true when that is
// this side. Otherwise the dial yields and will not send Message1 again.
func (d *pendingDial) contend(theirs []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msg1 != nil && bytes.Compare(d.msg1[handshake.HeaderSize:], theirs) < 0 {
		return true
	}
	d.yielded = true
	d.cancel()
	return false
}

func (d *pendingDial) hasYielded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.yielded
}
