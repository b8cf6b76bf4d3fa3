package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlReceiver_InOrder(t *testing.T) {
	r := newControlReceiver(16)
	ready, st := r.receive(1, delivery{typ: FrameMessage, body: []byte("a")})
	assert.Equal(t, recvInOrder, st)
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(1), r.cumulative())

	_, st = r.receive(1, delivery{})
	assert.Equal(t, recvDuplicate, st)
}

func TestControlReceiver_Reorder(t *testing.T) {
	r := newControlReceiver(16)

	_, st := r.receive(3, delivery{body: []byte("c")})
	assert.Equal(t, recvBuffered, st)
	_, st = r.receive(3, delivery{body: []byte("c")})
	assert.Equal(t, recvDuplicate, st)
	_, st = r.receive(2, delivery{body: []byte("b")})
	assert.Equal(t, recvBuffered, st)
	assert.Equal(t, uint64(0), r.cumulative())

	ready, st := r.receive(1, delivery{body: []byte("a")})
	assert.Equal(t, recvInOrder, st)
	require.Len(t, ready, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, string(ready[i].body))
	}
	assert.Equal(t, uint64(3), r.cumulative())
	assert.Empty(t, r.buffered)
}

func TestControlReceiver_BeyondWindow(t *testing.T) {
	r := newControlReceiver(4)
	_, st := r.receive(5, delivery{})
	assert.Equal(t, recvDropped, st)
	_, st = r.receive(4, delivery{})
	assert.Equal(t, recvBuffered, st)
}

func TestControlSender_AckAndRetransmit(t *testing.T) {
	s := newControlSender(3, 100*time.Millisecond, time.Second)
	now := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		s.push(FrameMessage, []byte{byte(i)}, now)
	}
	assert.True(t, s.full())
	assert.Empty(t, s.due(now.Add(50*time.Millisecond)))
	assert.Len(t, s.due(now.Add(100*time.Millisecond)), 3)

	assert.Equal(t, 2, s.ack(2, now.Add(40*time.Millisecond)))
	assert.False(t, s.full())
	require.Len(t, s.inflight, 1)
	assert.Equal(t, uint64(3), s.inflight[0].seq)
	assert.Equal(t, 40*time.Millisecond, s.srtt)

	assert.Equal(t, 0, s.ack(2, now), "stale ack")
	assert.Len(t, s.from(1), 1)
	assert.Empty(t, s.from(4))
}

func TestControlSender_Backoff(t *testing.T) {
	s := newControlSender(8, 100*time.Millisecond, 500*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, s.timeout(1))
	assert.Equal(t, 200*time.Millisecond, s.timeout(2))
	assert.Equal(t, 400*time.Millisecond, s.timeout(3))
	assert.Equal(t, 500*time.Millisecond, s.timeout(4))
}

func TestControlSender_KarnSkipsRetransmitted(t *testing.T) {
	s := newControlSender(8, 100*time.Millisecond, time.Second)
	now := time.Unix(0, 0)
	o := s.push(FrameMessage, nil, now)
	o.attempts = 2
	s.ack(1, now.Add(time.Second))
	assert.Zero(t, s.srtt)
}

func TestControlEncoding(t *testing.T) {
	b := encodeControl(42, []byte("body"))
	seq, body, err := decodeControl(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, []byte("body"), body)

	_, _, err = decodeControl([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestControlSender_StallRestartsBudget(t *testing.T) {
	s := newControlSender(4, 100*time.Millisecond, time.Second)
	now := time.Unix(0, 0)
	o := s.push(FrameMessage, []byte("m"), now)
	o.attempts = 5
	before := s.rto

	s.stall()
	assert.Equal(t, 1, o.attempts)
	assert.True(t, o.stalled)

	// Acknowledging a stalled frame takes no RTT sample.
	assert.Equal(t, 1, s.ack(1, now.Add(3*time.Second)))
	assert.Equal(t, before, s.rto)
	assert.Zero(t, s.srtt)
}

func TestAckEncoding(t *testing.T) {
	cum, window, err := decodeAck(encodeAck(42, 7))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cum)
	assert.Equal(t, uint32(7), window)

	_, window, err = decodeAck(encodeAck(1, -3))
	require.NoError(t, err)
	assert.Zero(t, window)

	_, _, err = decodeAck(encodeUint64(42))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
