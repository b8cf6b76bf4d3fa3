package nat

import (
	"context"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/netsim"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

func traverser(t *testing.T, h *testHost) *Traverser {
	t.Helper()
	tr, err := NewTraverser(fastConfig(), h.puncher, h.pool, nil)
	require.NoError(t, err)
	return tr
}

func addrsOf(t *testing.T, h *testHost) []multiaddr.Multiaddr {
	t.Helper()
	ma, err := transport.FromNetAddr(h.addr())
	require.NoError(t, err)
	return []multiaddr.Multiaddr{ma}
}

func TestEstablishPathDirect(t *testing.T) {
	n := netsim.New()
	a := newHost(t, n.MustListen("70.0.0.1", 7000), fastConfig(), nil, false)
	b := newHost(t, n.MustListen("70.0.0.2", 7000), fastConfig(), nil, false)

	path, err := traverser(t, a).EstablishPath(context.Background(), b.id.PeerID(), addrsOf(t, b))
	require.NoError(t, err)
	assert.Equal(t, Direct, path.Kind)
	assert.Equal(t, b.addr().String(), path.Addr.String())
}

func TestEstablishPathPunched(t *testing.T) {
	a, b, circuit := punchPair(t, netsim.RestrictedCone, netsim.PortRestrictedCone)
	ma, err := circuit.Multiaddr()
	require.NoError(t, err)

	// The direct candidate is dead; the circuit carries signaling.
	dead := multiaddr.StringCast("/ip4/70.0.0.99/udp/7000")
	path, err := traverser(t, a).EstablishPath(context.Background(), b.id.PeerID(), []multiaddr.Multiaddr{dead, ma})
	require.NoError(t, err)
	assert.Equal(t, Punched, path.Kind)
}

func TestEstablishPathFallsBackToRelay(t *testing.T) {
	a, b, circuit := punchPair(t, netsim.Symmetric, netsim.PortRestrictedCone)
	ma, err := circuit.Multiaddr()
	require.NoError(t, err)

	path, err := traverser(t, a).EstablishPath(context.Background(), b.id.PeerID(), []multiaddr.Multiaddr{ma})
	require.NoError(t, err)
	assert.Equal(t, Relayed, path.Kind)
	assert.Equal(t, RelayNetwork, path.Addr.Network())

	// The relayed path carries traffic both ways.
	require.NoError(t, a.mux.WriteTo(transport.Encode(transport.ClassDHT, []byte("via relay")), path.Addr))
	r := relayed(t, b)
	assert.Equal(t, []byte("via relay"), r.data)
}

func TestEstablishPathSymmetricPairSkipsPunching(t *testing.T) {
	a, b, circuit := punchPair(t, netsim.Symmetric, netsim.Symmetric)
	ma, err := circuit.Multiaddr()
	require.NoError(t, err)

	start := time.Now()
	path, err := traverser(t, a).EstablishPath(context.Background(), b.id.PeerID(), []multiaddr.Multiaddr{ma})
	require.NoError(t, err)
	assert.Equal(t, Relayed, path.Kind)
	assert.Less(t, time.Since(start), fastConfig().PunchTimeout)
}

func TestEstablishPathUnreachable(t *testing.T) {
	n := netsim.New()
	a := newHost(t, n.MustListen("70.0.0.1", 7000), fastConfig(), nil, false)
	dead := multiaddr.StringCast("/ip4/70.0.0.99/udp/7000")

	_, err := traverser(t, a).EstablishPath(context.Background(), a.id.PeerID(), []multiaddr.Multiaddr{dead})
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = traverser(t, a).EstablishPath(context.Background(), a.id.PeerID(), nil)
	assert.ErrorIs(t, err, ErrUnreachable)
}
