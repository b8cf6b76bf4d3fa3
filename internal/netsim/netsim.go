// Package netsim is an in-memory datagram network for tests. Hosts get
// net.PacketConn endpoints with UDP addresses; NAT boxes translate and
// filter traffic the way real cone and symmetric NATs do, and links can be
// made lossy or partitioned.
package netsim

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"
)

// ErrAddrInUse is returned when a listen address is taken.
var ErrAddrInUse = errors.New("netsim: address in use")

// Network connects simulated hosts.
type Network struct {
	mu       sync.Mutex
	hosts    map[string]*Conn
	nats     map[string]*NAT
	blocked  map[string]bool
	cuts     map[[2]string]bool
	loss     float64
	latency  time.Duration
	rng      *rand.Rand
	nextPort int
}

// Option configures a Network.
type Option func(*Network)

// WithLoss drops each datagram with probability p.
func WithLoss(p float64) Option {
	return func(n *Network) { n.loss = p }
}

// WithLatency delays every datagram by d.
func WithLatency(d time.Duration) Option {
	return func(n *Network) { n.latency = d }
}

// WithSeed makes loss deterministic.
func WithSeed(seed int64) Option {
	return func(n *Network) { n.rng = rand.New(rand.NewSource(seed)) }
}

// New creates an empty network.
func New(opts ...Option) *Network {
	n := &Network{
		hosts:    make(map[string]*Conn),
		nats:     make(map[string]*NAT),
		blocked:  make(map[string]bool),
		cuts:     make(map[[2]string]bool),
		rng:      rand.New(rand.NewSource(1)),
		nextPort: 20000,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// SetLoss changes the drop probability.
func (n *Network) SetLoss(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loss = p
}

// Block drops all traffic to and from ip.
func (n *Network) Block(ip string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[ip] = true
}

// Unblock reverses Block.
func (n *Network) Unblock(ip string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, ip)
}

// Partition drops traffic between two public IPs in both directions.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cuts[cutKey(a, b)] = true
}

// Heal reverses Partition.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cuts, cutKey(a, b))
}

func cutKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Listen opens a host with a public address. Port 0 picks a free port.
func (n *Network) Listen(ip string, port int) (*Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if port == 0 {
		port = n.allocPort()
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if _, ok := n.hosts[addr.String()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	c := newConn(n, addr, nil)
	n.hosts[addr.String()] = c
	return c, nil
}

// MustListen is Listen for tests that cannot proceed without the host.
func (n *Network) MustListen(ip string, port int) *Conn {
	c, err := n.Listen(ip, port)
	if err != nil {
		panic(err)
	}
	return c
}

func (n *Network) allocPort() int {
	n.nextPort++
	return n.nextPort
}

func (n *Network) dropLocked(srcIP, dstIP string) bool {
	if n.blocked[srcIP] || n.blocked[dstIP] || n.cuts[cutKey(srcIP, dstIP)] {
		return true
	}
	return n.loss > 0 && n.rng.Float64() < n.loss
}

// send routes b from a host to dst. from is the source as seen on the
// public network.
func (n *Network) send(src *Conn, b []byte, dst *net.UDPAddr) error {
	n.mu.Lock()
	from := src.addr
	if src.nat != nil {
		from = src.nat.outbound(src.addr, dst)
	}
	if n.dropLocked(from.IP.String(), dst.IP.String()) {
		n.mu.Unlock()
		return nil
	}

	var target *Conn
	if nat, ok := n.nats[dst.IP.String()]; ok {
		target = nat.inbound(from, dst)
	} else {
		target = n.hosts[dst.String()]
	}
	latency := n.latency
	n.mu.Unlock()

	if target == nil {
		return nil
	}
	pkt := packet{data: append([]byte(nil), b...), from: from}
	if latency > 0 {
		time.AfterFunc(latency, func() { target.enqueue(pkt) })
		return nil
	}
	target.enqueue(pkt)
	return nil
}

func (n *Network) remove(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c.nat != nil {
		c.nat.removeHost(c)
		return
	}
	if n.hosts[c.addr.String()] == c {
		delete(n.hosts, c.addr.String())
	}
}

type packet struct {
	data []byte
	from net.Addr
}

// Conn is a simulated datagram socket.
type Conn struct {
	net  *Network
	addr *net.UDPAddr
	nat  *NAT

	queue chan packet
	done  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	deadline time.Time
}

var _ net.PacketConn = (*Conn)(nil)

func newConn(n *Network, addr *net.UDPAddr, nat *NAT) *Conn {
	return &Conn{
		net:   n,
		addr:  addr,
		nat:   nat,
		queue: make(chan packet, 4096),
		done:  make(chan struct{}),
	}
}

func (c *Conn) enqueue(p packet) {
	select {
	case <-c.done:
	case c.queue <- p:
	default:
	}
}

// ReadFrom implements net.PacketConn.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case p := <-c.queue:
		return copy(b, p.data), p.from, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo implements net.PacketConn.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	dst, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("netsim: unsupported address %T", addr)
	}
	if err := c.net.send(c, b, dst); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.PacketConn.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.net.remove(c)
	})
	return nil
}

// LocalAddr implements net.PacketConn.
func (c *Conn) LocalAddr() net.Addr { return c.addr }

// SetDeadline implements net.PacketConn.
func (c *Conn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

// SetReadDeadline implements net.PacketConn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

// SetWriteDeadline implements net.PacketConn. Writes never block.
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }
