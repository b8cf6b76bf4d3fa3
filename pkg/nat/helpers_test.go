package nat

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/netsim"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

func fastConfig() Config {
	return Config{
		ProbeTimeout:      100 * time.Millisecond,
		ProbeRetries:      2,
		DirectTimeout:     300 * time.Millisecond,
		PunchTimeout:      time.Second,
		PunchInterval:     20 * time.Millisecond,
		PunchDelay:        50 * time.Millisecond,
		RelayTimeout:      time.Second,
		KeepaliveInterval: 100 * time.Millisecond,
		ReconnectBase:     50 * time.Millisecond,
		ReconnectMax:      200 * time.Millisecond,
		ClientTimeout:     2 * time.Second,
	}
}

type received struct {
	data []byte
	from net.Addr
}

type testHost struct {
	id        *crypto.Identity
	mux       *transport.Mux
	reflector *Reflector
	detector  *Detector
	puncher   *Puncher
	server    *RelayServer
	pool      *RelayPool

	mu   sync.Mutex
	dht  []received
	recv chan received
}

// newHost wires every traversal component onto conn. DHT-class
// datagrams are recorded so tests can observe relayed traffic.
func newHost(t *testing.T, conn net.PacketConn, cfg Config, reflectors []net.Addr, relayServer bool, opts ...ReflectorOption) *testHost {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	mux := transport.NewMux(conn, nil)
	h := &testHost{id: id, mux: mux, recv: make(chan received, 64)}
	h.reflector = NewReflector(mux, nil, opts...)
	h.detector = NewDetector(mux, reflectors, cfg, nil)
	h.puncher = NewPuncher(mux, id.PeerID(), cfg, h.detector.Last, nil)
	h.pool = NewRelayPool(id, mux, mux.Dispatch, cfg, nil)
	if relayServer {
		h.server = NewRelayServer(mux, cfg, nil)
	}

	mux.HandleSTUN(STUNHandler(h.reflector, h.detector))
	mux.Handle(transport.ClassReflectForward, h.reflector.HandleForward)
	mux.Handle(transport.ClassPunch, h.puncher.HandleDatagram)
	mux.Handle(transport.ClassRelay, RelayHandler(h.server, h.pool))
	mux.Handle(transport.ClassDHT, func(b []byte, from net.Addr) {
		r := received{data: append([]byte(nil), b...), from: from}
		select {
		case h.recv <- r:
		default:
		}
	})
	mux.RegisterNetwork(RelayNetwork, h.pool)
	go func() { _ = mux.Serve(ctx) }()

	t.Cleanup(func() {
		h.pool.Close()
		h.puncher.Close()
		if h.server != nil {
			h.server.Close()
		}
		cancel()
		_ = mux.Close()
	})
	return h
}

func (h *testHost) addr() net.Addr { return h.mux.LocalAddr() }

// reflectorPair starts two reflectors at different IPs; the first has an
// alternate port. It returns their addresses.
func reflectorPair(t *testing.T, n *netsim.Network, cfg Config) []net.Addr {
	t.Helper()
	r1 := n.MustListen("50.0.0.1", 3478)
	r2 := n.MustListen("60.0.0.1", 3478)
	alt := n.MustListen("50.0.0.1", 3479)
	t.Cleanup(func() { _ = alt.Close() })
	altMux := transport.NewMux(alt, nil)

	newHost(t, r1, cfg, nil, false, WithAltSocket(altMux), WithPartner(r2.LocalAddr()))
	newHost(t, r2, cfg, nil, false, WithPartner(r1.LocalAddr()))
	return []net.Addr{r1.LocalAddr(), r2.LocalAddr()}
}

// behindNAT starts a host behind a NAT of the given behavior and runs
// detection.
func behindNAT(t *testing.T, n *netsim.Network, publicIP string, b netsim.Behavior, cfg Config, reflectors []net.Addr) *testHost {
	t.Helper()
	box := n.NewNAT(publicIP, b)
	h := newHost(t, box.MustListen("192.168.1.2", 7000), cfg, reflectors, false)
	detect(t, h)
	return h
}

func detect(t *testing.T, h *testHost) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.detector.Detect(ctx)
	require.NoError(t, err)
	return res
}

func connectRelay(t *testing.T, h *testHost, relay net.Addr) *RelayClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := h.pool.Connect(ctx, relay)
	require.NoError(t, err)
	return c
}
