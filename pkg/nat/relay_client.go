package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/backoff"
	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

// missedKeepalives is how many keepalive intervals pass without an answer
// before the link is considered lost.
const missedKeepalives = 3

// RelayClient keeps a registration with one relay alive and carries
// datagrams through it.
type RelayClient struct {
	id       *crypto.Identity
	out      transport.Sender
	relay    net.Addr
	dispatch transport.Handler
	cfg      Config
	logger   logging.Logger

	mu         sync.Mutex
	registered bool
	ready      chan struct{}
	acked      chan error
	lost       chan struct{}
	lastAck    time.Time

	reconnects atomic.Uint64
	started    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRelayClient(id *crypto.Identity, out transport.Sender, relay net.Addr, dispatch transport.Handler, cfg Config, logger logging.Logger) *RelayClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RelayClient{
		id:       id,
		out:      out,
		relay:    relay,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		ready:    make(chan struct{}),
		acked:    make(chan error, 1),
		lost:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Relay returns the relay's address.
func (c *RelayClient) Relay() net.Addr { return c.relay }

// Registered reports whether the relay currently accepts our traffic.
func (c *RelayClient) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Reconnects returns how many times the link was re-established.
func (c *RelayClient) Reconnects() uint64 { return c.reconnects.Load() }

// Circuit returns the address other peers use to reach us through this
// relay.
func (c *RelayClient) Circuit() (multiaddr.Multiaddr, error) {
	return (&RelayAddr{Relay: c.relay, Peer: c.id.PeerID()}).Multiaddr()
}

// WaitRegistered blocks until the relay accepted our registration.
func (c *RelayClient) WaitRegistered(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *RelayClient) start() {
	if c.started.Swap(true) {
		return
	}
	c.wg.Add(1)
	go c.run()
}

// Close deregisters and stops the client.
func (c *RelayClient) Close() {
	if c.Registered() {
		c.write(&relayMessage{Type: relayDisconnect})
	}
	c.cancel()
	c.wg.Wait()
}

func (c *RelayClient) write(m *relayMessage) error {
	b, err := encodeRelay(m)
	if err != nil {
		return err
	}
	return c.out.WriteTo(b, c.relay)
}

// send relays b to dst.
func (c *RelayClient) send(dst peer.ID, b []byte) error {
	if !c.Registered() {
		return fmt.Errorf("%w: %s", ErrRelayNotConnected, c.relay)
	}
	return c.write(&relayMessage{Type: relaySendPacket, Peer: []byte(dst), Payload: b})
}

func (c *RelayClient) run() {
	defer c.wg.Done()
	bo := backoff.New(c.cfg.ReconnectBase, c.cfg.ReconnectMax)
	var state backoff.State
	first := true
	for {
		if err := c.register(); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			bo.ScheduleNext(&state)
			c.logger.Debug("Relay registration failed", "relay", c.relay.String(), "attempt", state.Attempts, "retry_in", state.CurrentDelay, "error", err)
			if !sleepCtx(c.ctx, state.CurrentDelay) {
				return
			}
			continue
		}
		state.Reset()
		if !first {
			c.reconnects.Add(1)
			c.logger.Info("Relay link re-established", "relay", c.relay.String())
		}
		first = false

		c.maintain()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("Relay link lost", "relay", c.relay.String())
	}
}

func (c *RelayClient) register() error {
	select {
	case <-c.acked:
	default:
	}
	ts := time.Now().UnixMilli()
	p := c.id.PeerID()
	m := &relayMessage{
		Type:      relayRegister,
		Peer:      []byte(p),
		Timestamp: ts,
		Sig:       c.id.Sign(registerPayload(p, ts)),
	}
	if err := c.write(m); err != nil {
		return err
	}
	timer := time.NewTimer(c.cfg.RelayTimeout)
	defer timer.Stop()
	select {
	case err := <-c.acked:
		if err != nil {
			return err
		}
	case <-timer.C:
		return fmt.Errorf("%w: register with %s", ErrTimeout, c.relay)
	case <-c.ctx.Done():
		return ErrClosed
	}

	c.mu.Lock()
	c.registered = true
	c.lastAck = time.Now()
	close(c.ready)
	c.mu.Unlock()
	return nil
}

// maintain sends keepalives until the link is lost or the client closes.
func (c *RelayClient) maintain() {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	defer func() {
		c.mu.Lock()
		c.registered = false
		c.ready = make(chan struct{})
		c.mu.Unlock()
	}()
	select {
	case <-c.lost:
	default:
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.lost:
			return
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastAck)
			c.mu.Unlock()
			if silent > missedKeepalives*c.cfg.KeepaliveInterval {
				return
			}
			if err := c.write(&relayMessage{Type: relayKeepalive}); err != nil {
				c.logger.Debug("Relay keepalive failed", "relay", c.relay.String(), "error", err)
			}
		}
	}
}

func (c *RelayClient) handle(m *relayMessage) {
	switch m.Type {
	case relayRegisterAck:
		select {
		case c.acked <- nil:
		default:
		}

	case relayKeepaliveAck:
		c.mu.Lock()
		c.lastAck = time.Now()
		c.mu.Unlock()

	case relayRecvPacket:
		src, err := peer.IDFromBytes(m.Peer)
		if err != nil || len(m.Payload) == 0 {
			return
		}
		c.mu.Lock()
		c.lastAck = time.Now()
		c.mu.Unlock()
		c.dispatch(m.Payload, &RelayAddr{Relay: c.relay, Peer: src})

	case relayError:
		err := &RelayError{Code: m.Code}
		switch m.Code {
		case NotRegistered:
			select {
			case c.lost <- struct{}{}:
			default:
			}
		case AuthFailed, ServerFull:
			select {
			case c.acked <- err:
			default:
			}
		}
		c.logger.Debug("Relay refused request", "relay", c.relay.String(), "error", err)
	}
}

// RelayPool holds the node's relay clients and implements
// transport.VirtualWriter for RelayAddr destinations.
type RelayPool struct {
	id       *crypto.Identity
	out      transport.Sender
	dispatch transport.Handler
	cfg      Config
	logger   logging.Logger

	mu      sync.Mutex
	clients map[string]*RelayClient
	closed  bool
}

// NewRelayPool creates a pool. Datagrams received through a relay are
// passed to dispatch, normally the mux's Dispatch.
func NewRelayPool(id *crypto.Identity, out transport.Sender, dispatch transport.Handler, cfg Config, logger logging.Logger) *RelayPool {
	cfg.applyDefaults()
	return &RelayPool{
		id:       id,
		out:      out,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		clients:  make(map[string]*RelayClient),
	}
}

// Connect registers with relay, reusing an existing client, and waits
// until the registration is accepted.
func (p *RelayPool) Connect(ctx context.Context, relay net.Addr) (*RelayClient, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	c := p.clients[relay.String()]
	if c == nil {
		c = newRelayClient(p.id, p.out, relay, p.dispatch, p.cfg, p.logger)
		p.clients[relay.String()] = c
	}
	p.mu.Unlock()
	c.start()
	if err := c.WaitRegistered(ctx); err != nil {
		return nil, fmt.Errorf("relay %s: %w", relay, err)
	}
	return c, nil
}

// Get returns the client for relay, if any.
func (p *RelayPool) Get(relay net.Addr) *RelayClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[relay.String()]
}

// Clients returns every client.
func (p *RelayPool) Clients() []*RelayClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*RelayClient, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}

// Circuits returns the circuit addresses of registered clients.
func (p *RelayPool) Circuits() []multiaddr.Multiaddr {
	var out []multiaddr.Multiaddr
	for _, c := range p.Clients() {
		if !c.Registered() {
			continue
		}
		if ma, err := c.Circuit(); err == nil {
			out = append(out, ma)
		}
	}
	return out
}

// WriteVirtual implements transport.VirtualWriter.
func (p *RelayPool) WriteVirtual(b []byte, to net.Addr) error {
	ra, ok := to.(*RelayAddr)
	if !ok {
		return fmt.Errorf("%w: %T is not a relay address", ErrRelayNotConnected, to)
	}
	c := p.Get(ra.Relay)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrRelayNotConnected, ra.Relay)
	}
	return c.send(ra.Peer, b)
}

func (p *RelayPool) handle(m *relayMessage, from net.Addr) {
	if c := p.Get(from); c != nil {
		c.handle(m)
	}
}

// Close closes every client.
func (p *RelayPool) Close() {
	p.mu.Lock()
	p.closed = true
	clients := make([]*RelayClient, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

// IsRelayError reports whether err is a relay refusal with code.
func IsRelayError(err error, code RelayErrorCode) bool {
	var re *RelayError
	return errors.As(err, &re) && re.Code == code
}
