package transport

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// DefaultTCPDialTimeout bounds connection setup on the TCP fallback.
const DefaultTCPDialTimeout = 5 * time.Second

type tcpPacket struct {
	data []byte
	from net.Addr
}

// tcpLink is one TCP connection carrying length-delimited datagrams.
type tcpLink struct {
	conn    net.Conn
	reader  *cramberry.MessageIterator
	writer  *cramberry.StreamWriter
	writeMu sync.Mutex
}

func newTCPLink(conn net.Conn) *tcpLink {
	return &tcpLink{
		conn:   conn,
		reader: cramberry.NewMessageIterator(conn),
		writer: cramberry.NewStreamWriter(conn),
	}
}

func (l *tcpLink) write(b []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	data := b
	if err := l.writer.WriteDelimited(&data); err != nil {
		return err
	}
	return l.writer.Flush()
}

// TCPPacketConn presents a set of TCP connections as a net.PacketConn so
// the rest of the stack is unchanged when UDP is blocked. Each datagram is
// written as one length-delimited message; connections are dialed on the
// first write to an address and kept open.
type TCPPacketConn struct {
	listener net.Listener

	mu    sync.Mutex
	links map[string]*tcpLink

	recv   chan tcpPacket
	done   chan struct{}
	closed sync.Once

	deadlineMu   sync.Mutex
	readDeadline time.Time
}

var _ net.PacketConn = (*TCPPacketConn)(nil)

// ListenTCP opens a TCP fallback socket on address (host:port).
func ListenTCP(address string) (*TCPPacketConn, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	c := &TCPPacketConn{
		listener: l,
		links:    make(map[string]*tcpLink),
		recv:     make(chan tcpPacket, 1024),
		done:     make(chan struct{}),
	}
	go c.acceptLoop()
	return c, nil
}

func (c *TCPPacketConn) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		link := newTCPLink(conn)
		c.mu.Lock()
		c.links[conn.RemoteAddr().String()] = link
		c.mu.Unlock()
		go c.readLoop(link, conn.RemoteAddr())
	}
}

func (c *TCPPacketConn) readLoop(link *tcpLink, from net.Addr) {
	defer c.dropLink(from.String(), link)
	for {
		var data []byte
		if !link.reader.Next(&data) {
			return
		}
		select {
		case c.recv <- tcpPacket{data: data, from: from}:
		case <-c.done:
			return
		}
	}
}

func (c *TCPPacketConn) dropLink(key string, link *tcpLink) {
	_ = link.conn.Close()
	c.mu.Lock()
	if c.links[key] == link {
		delete(c.links, key)
	}
	c.mu.Unlock()
}

// ReadFrom implements net.PacketConn.
func (c *TCPPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.deadlineMu.Lock()
	deadline := c.readDeadline
	c.deadlineMu.Unlock()

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
	case pkt := <-c.recv:
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo implements net.PacketConn.
func (c *TCPPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}

	key := addr.String()
	c.mu.Lock()
	link := c.links[key]
	c.mu.Unlock()

	if link == nil {
		conn, err := net.DialTimeout("tcp", key, DefaultTCPDialTimeout)
		if err != nil {
			return 0, err
		}
		link = newTCPLink(conn)
		c.mu.Lock()
		if existing := c.links[key]; existing != nil {
			c.mu.Unlock()
			_ = conn.Close()
			link = existing
		} else {
			c.links[key] = link
			c.mu.Unlock()
			go c.readLoop(link, addr)
		}
	}

	if err := link.write(p); err != nil {
		c.dropLink(key, link)
		return 0, err
	}
	return len(p), nil
}

// Close implements net.PacketConn.
func (c *TCPPacketConn) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.done)
		err = c.listener.Close()
		c.mu.Lock()
		for k, l := range c.links {
			_ = l.conn.Close()
			delete(c.links, k)
		}
		c.mu.Unlock()
	})
	return err
}

// LocalAddr implements net.PacketConn.
func (c *TCPPacketConn) LocalAddr() net.Addr {
	return c.listener.Addr()
}

// SetDeadline implements net.PacketConn; only the read side is honoured.
func (c *TCPPacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline implements net.PacketConn.
func (c *TCPPacketConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline implements net.PacketConn. Writes are bounded by the
// dial timeout instead.
func (c *TCPPacketConn) SetWriteDeadline(time.Time) error {
	return nil
}

// IsClosed reports whether Close has been called.
func (c *TCPPacketConn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

var errUnsupportedNetwork = errors.New("transport: unsupported listen address")
