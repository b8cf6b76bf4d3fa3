package nat

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/netsim"
)

func mustUDP(s string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestDetect(t *testing.T) {
	tests := []struct {
		behavior netsim.Behavior
		want     Type
	}{
		{netsim.FullCone, FullCone},
		{netsim.RestrictedCone, RestrictedCone},
		{netsim.PortRestrictedCone, PortRestrictedCone},
		{netsim.Symmetric, Symmetric},
	}
	for i, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			n := netsim.New()
			cfg := fastConfig()
			reflectors := reflectorPair(t, n, cfg)
			h := behindNAT(t, n, fmt.Sprintf("80.0.0.%d", i+1), tt.behavior, cfg, reflectors)

			res := h.detector.Last()
			assert.Equal(t, tt.want, res.Type)
			require.NotNil(t, res.Mapped)
			assert.Equal(t, fmt.Sprintf("80.0.0.%d", i+1), res.Mapped.IP.String())
			assert.False(t, res.Detected.IsZero())
		})
	}
}

func TestDetectPublicHost(t *testing.T) {
	n := netsim.New()
	cfg := fastConfig()
	reflectors := reflectorPair(t, n, cfg)
	h := newHost(t, n.MustListen("70.0.0.1", 7000), cfg, reflectors, false)

	res := detect(t, h)
	assert.Equal(t, None, res.Type)
	assert.Equal(t, "70.0.0.1:7000", res.Mapped.String())
}

func TestDetectFallsBackToNextReflector(t *testing.T) {
	n := netsim.New()
	cfg := fastConfig()
	reflectors := reflectorPair(t, n, cfg)
	dead := mustUDP("90.0.0.1:3478")
	h := newHost(t, n.MustListen("70.0.0.1", 7000), cfg, append([]net.Addr{dead}, reflectors...), false)

	res := detect(t, h)
	assert.Equal(t, None, res.Type)
}

func TestDetectWithoutReflectors(t *testing.T) {
	n := netsim.New()
	cfg := fastConfig()
	h := newHost(t, n.MustListen("70.0.0.1", 7000), cfg, nil, false)
	_, err := h.detector.Detect(context.Background())
	assert.ErrorIs(t, err, ErrNoReflector)

	h.detector.SetReflectors([]net.Addr{mustUDP("90.0.0.1:3478")})
	_, err = h.detector.Detect(context.Background())
	assert.ErrorIs(t, err, ErrNoReflector)
}

func TestBindingTimeout(t *testing.T) {
	n := netsim.New()
	cfg := fastConfig()
	h := newHost(t, n.MustListen("70.0.0.1", 7000), cfg, nil, false)

	start := time.Now()
	_, err := h.detector.Binding(context.Background(), mustUDP("90.0.0.1:3478"), 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReflectorWithoutHelpersIgnoresChangeRequests(t *testing.T) {
	n := netsim.New()
	cfg := fastConfig()
	lone := newHost(t, n.MustListen("50.0.0.5", 3478), cfg, nil, false)
	h := newHost(t, n.MustListen("70.0.0.1", 7000), cfg, nil, false)
	ctx := context.Background()

	mapped, err := h.detector.Binding(ctx, lone.addr(), 0)
	require.NoError(t, err)
	assert.Equal(t, "70.0.0.1:7000", mapped.String())

	_, err = h.detector.Binding(ctx, lone.addr(), changePort)
	assert.ErrorIs(t, err, ErrTimeout)
	_, err = h.detector.Binding(ctx, lone.addr(), changeIP|changePort)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.EqualValues(t, 1, lone.reflector.Served())

	// Forwards are accepted only from a configured partner.
	lone.reflector.HandleForward([]byte{0}, h.addr())
	assert.EqualValues(t, 1, lone.reflector.Served())
}
