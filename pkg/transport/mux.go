package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/stun/v3"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
	"github.com/doublegate/WRAITH-Protocol-sub010/internal/pool"
)

// Handler processes one datagram. b is only valid for the duration of the
// call; handlers that keep it must copy.
type Handler func(b []byte, from net.Addr)

// VirtualWriter delivers datagrams to addresses that are not reachable on
// the socket directly, such as peers behind a relay.
type VirtualWriter interface {
	WriteVirtual(b []byte, to net.Addr) error
}

// Sender is the write side of the mux, as seen by subsystems.
type Sender interface {
	WriteTo(b []byte, to net.Addr) error
	LocalAddr() net.Addr
}

// ErrClosed is returned by WriteTo after Close.
var ErrClosed = errors.New("transport: closed")

// MuxStats counts datagrams by outcome.
type MuxStats struct {
	Received     uint64
	Sent         uint64
	Dropped      uint64
	SendFailures uint64
}

// Mux owns the node socket, demultiplexes inbound datagrams by class and
// routes outbound datagrams either to the socket or to a VirtualWriter.
type Mux struct {
	conn   net.PacketConn
	logger logging.Logger

	mu       sync.RWMutex
	handlers map[Class]Handler
	stun     Handler
	virtual  map[string]VirtualWriter

	received     atomic.Uint64
	sent         atomic.Uint64
	dropped      atomic.Uint64
	sendFailures atomic.Uint64

	closed atomic.Bool
}

// NewMux wraps conn. Call Serve to start reading.
func NewMux(conn net.PacketConn, logger logging.Logger) *Mux {
	return &Mux{
		conn:     conn,
		logger:   logging.OrNop(logger),
		handlers: make(map[Class]Handler),
		virtual:  make(map[string]VirtualWriter),
	}
}

// Handle registers h for datagrams of class c, replacing any previous one.
func (m *Mux) Handle(c Class, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[c] = h
}

// HandleSTUN registers the handler for STUN messages.
func (m *Mux) HandleSTUN(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stun = h
}

// RegisterNetwork routes writes to addresses whose Network() is network
// through w.
func (m *Mux) RegisterNetwork(network string, w VirtualWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.virtual[network] = w
}

// LocalAddr returns the socket's local address.
func (m *Mux) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

// WriteTo sends b to addr.
func (m *Mux) WriteTo(b []byte, to net.Addr) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.RLock()
	vw := m.virtual[to.Network()]
	m.mu.RUnlock()

	var err error
	if vw != nil {
		err = vw.WriteVirtual(b, to)
	} else {
		_, err = m.conn.WriteTo(b, to)
	}
	if err != nil {
		m.sendFailures.Add(1)
		return err
	}
	m.sent.Add(1)
	return nil
}

// Dispatch routes a datagram as if it had arrived on the socket. Relay
// clients use it to inject unwrapped traffic.
func (m *Mux) Dispatch(b []byte, from net.Addr) {
	if len(b) == 0 {
		m.dropped.Add(1)
		return
	}
	m.received.Add(1)

	m.mu.RLock()
	var h Handler
	payload := b
	if stun.IsMessage(b) {
		h = m.stun
	} else {
		h = m.handlers[Class(b[0])]
		payload = b[1:]
	}
	m.mu.RUnlock()

	if h == nil {
		m.dropped.Add(1)
		m.logger.Debug("dropping datagram", "from", from.String(), "class", Class(b[0]).String())
		return
	}
	h(payload, from)
}

// Serve reads datagrams until ctx is cancelled or the socket fails.
func (m *Mux) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = m.Close()
	}()

	for {
		buf := pool.GetReadBuffer()
		n, from, err := m.conn.ReadFrom(*buf)
		if err != nil {
			pool.PutBuffer(buf)
			if m.closed.Load() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.logger.Warn("socket read failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		m.Dispatch((*buf)[:n], from)
		pool.PutBuffer(buf)
	}
}

// Stats returns a snapshot of the datagram counters.
func (m *Mux) Stats() MuxStats {
	return MuxStats{
		Received:     m.received.Load(),
		Sent:         m.sent.Load(),
		Dropped:      m.dropped.Load(),
		SendFailures: m.sendFailures.Load(),
	}
}

// Close closes the underlying socket.
func (m *Mux) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.conn.Close()
}
