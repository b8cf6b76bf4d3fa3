package nat

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

type relayClient struct {
	peer       peer.ID
	addr       net.Addr
	registered int64
	lastSeen   time.Time
	limiter    *rate.Limiter
}

// RelayStats counts relay server activity.
type RelayStats struct {
	Clients   int
	Forwarded uint64
	Dropped   uint64
}

// RelayServer forwards datagrams between registered peers. It sees only
// session ciphertext.
type RelayServer struct {
	out    transport.Sender
	cfg    Config
	logger logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[peer.ID]*relayClient
	byAddr  map[string]*relayClient

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelayServer creates a relay answering on out and starts expiring
// idle clients. Register it with RelayHandler.
func NewRelayServer(out transport.Sender, cfg Config, logger logging.Logger) *RelayServer {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &RelayServer{
		out:     out,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		now:     time.Now,
		clients: make(map[peer.ID]*relayClient),
		byAddr:  make(map[string]*relayClient),
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.expire(ctx)
	return s
}

// Close stops the server. Registered clients notice through missed
// keepalives.
func (s *RelayServer) Close() {
	s.cancel()
	s.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (s *RelayServer) Stats() RelayStats {
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	return RelayStats{Clients: n, Forwarded: s.forwarded.Load(), Dropped: s.dropped.Load()}
}

// Kick drops p's registration. Its next packet is refused with
// NotRegistered and it re-registers.
func (s *RelayServer) Kick(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(p)
}

func (s *RelayServer) removeLocked(p peer.ID) {
	c := s.clients[p]
	if c == nil {
		return
	}
	delete(s.clients, p)
	if s.byAddr[c.addr.String()] == c {
		delete(s.byAddr, c.addr.String())
	}
}

func (s *RelayServer) reply(to net.Addr, m *relayMessage) {
	b, err := encodeRelay(m)
	if err != nil {
		s.logger.Warn("Failed to encode relay message", "type", m.Type.String(), "error", err)
		return
	}
	if err := s.out.WriteTo(b, to); err != nil {
		s.logger.Debug("Relay write failed", "to", to.String(), "error", err)
	}
}

func (s *RelayServer) fail(to net.Addr, code RelayErrorCode) {
	s.dropped.Add(1)
	s.reply(to, &relayMessage{Type: relayError, Code: code})
}

// invalid answers undecodable datagrams from registered clients only, so
// the relay cannot be used to reflect traffic at third parties.
func (s *RelayServer) invalid(from net.Addr) {
	s.mu.Lock()
	_, ok := s.byAddr[from.String()]
	s.mu.Unlock()
	if ok {
		s.fail(from, InvalidMessage)
	}
}

func (s *RelayServer) handle(m *relayMessage, from net.Addr) {
	switch m.Type {
	case relayRegister:
		s.register(m, from)

	case relaySendPacket:
		s.mu.Lock()
		src := s.byAddr[from.String()]
		var dst *relayClient
		if src != nil {
			src.lastSeen = s.now()
			if p, err := peer.IDFromBytes(m.Peer); err == nil {
				dst = s.clients[p]
			}
		}
		s.mu.Unlock()
		switch {
		case src == nil:
			s.fail(from, NotRegistered)
		case !src.limiter.Allow():
			s.fail(from, RateLimited)
		case dst == nil:
			s.fail(from, PeerNotFound)
		default:
			s.forwarded.Add(1)
			s.reply(dst.addr, &relayMessage{Type: relayRecvPacket, Peer: []byte(src.peer), Payload: m.Payload})
		}

	case relayKeepalive:
		s.mu.Lock()
		c := s.byAddr[from.String()]
		if c != nil {
			c.lastSeen = s.now()
		}
		s.mu.Unlock()
		if c == nil {
			s.fail(from, NotRegistered)
			return
		}
		s.reply(from, &relayMessage{Type: relayKeepaliveAck})

	case relayDisconnect:
		s.mu.Lock()
		if c := s.byAddr[from.String()]; c != nil {
			s.removeLocked(c.peer)
		}
		s.mu.Unlock()
	}
}

// register admits a client whose signature over its peer ID and a fresh
// timestamp verifies. A registration moves to a new address only with a
// newer timestamp, so a captured Register cannot be replayed from
// elsewhere to hijack the client's traffic.
func (s *RelayServer) register(m *relayMessage, from net.Addr) {
	p, err := peer.IDFromBytes(m.Peer)
	if err != nil {
		s.fail(from, InvalidMessage)
		return
	}
	now := s.now()
	ts := time.UnixMilli(m.Timestamp)
	if ts.Before(now.Add(-s.cfg.RegisterSkew)) || ts.After(now.Add(s.cfg.RegisterSkew)) {
		s.fail(from, AuthFailed)
		return
	}
	pub, err := crypto.PublicKeyFromPeerID(p)
	if err != nil {
		s.fail(from, AuthFailed)
		return
	}
	if err := crypto.VerifyPeer(p, pub, registerPayload(p, m.Timestamp), m.Sig); err != nil {
		s.logger.Debug("Relay registration failed verification", "peer", p, "error", err)
		s.fail(from, AuthFailed)
		return
	}

	s.mu.Lock()
	c := s.clients[p]
	switch {
	case c == nil && len(s.clients) >= s.cfg.MaxClients:
		s.mu.Unlock()
		s.fail(from, ServerFull)
		return
	case c != nil && m.Timestamp <= c.registered && !transport.SameAddr(c.addr, from):
		s.mu.Unlock()
		s.fail(from, AuthFailed)
		return
	case c == nil:
		c = &relayClient{peer: p, limiter: rate.NewLimiter(s.cfg.ClientRate, s.cfg.ClientBurst)}
		s.clients[p] = c
	}
	if c.addr != nil && s.byAddr[c.addr.String()] == c {
		delete(s.byAddr, c.addr.String())
	}
	if old := s.byAddr[from.String()]; old != nil && old != c {
		delete(s.clients, old.peer)
	}
	c.addr = from
	c.registered = m.Timestamp
	c.lastSeen = now
	s.byAddr[from.String()] = c
	s.mu.Unlock()

	s.logger.Debug("Relay client registered", "peer", p, "addr", from.String())
	s.reply(from, &relayMessage{Type: relayRegisterAck})
}

func (s *RelayServer) expire(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ClientTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := s.now().Add(-s.cfg.ClientTimeout)
			s.mu.Lock()
			for p, c := range s.clients {
				if c.lastSeen.Before(cutoff) {
					s.removeLocked(p)
					s.logger.Debug("Relay client expired", "peer", p)
				}
			}
			s.mu.Unlock()
		}
	}
}
