package session

import (
	"encoding/binary"
	"fmt"
	"time"
)

// controlSeqSize prefixes the plaintext of every reliable frame.
const controlSeqSize = 8

const minControlRTO = 50 * time.Millisecond

type outbound struct {
	seq      uint64
	typ      FrameType
	body     []byte
	sent     time.Time
	attempts int
	// stalled marks a frame the peer refused for lack of inbox space;
	// its acknowledgement is not an RTT sample.
	stalled bool
}

// controlSender tracks reliable frames until they are acknowledged.
type controlSender struct {
	next     uint64
	inflight []*outbound
	max      int

	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	maxRTO time.Duration
}

func newControlSender(max int, initialRTO, maxRTO time.Duration) *controlSender {
	return &controlSender{max: max, rto: initialRTO, maxRTO: maxRTO}
}

func (s *controlSender) full() bool {
	return len(s.inflight) >= s.max
}

func (s *controlSender) push(t FrameType, body []byte, now time.Time) *outbound {
	s.next++
	o := &outbound{seq: s.next, typ: t, body: body, sent: now, attempts: 1}
	s.inflight = append(s.inflight, o)
	return o
}

// ack removes everything up to and including cum and returns how many
// entries were released.
func (s *controlSender) ack(cum uint64, now time.Time) int {
	n := 0
	for n < len(s.inflight) && s.inflight[n].seq <= cum {
		o := s.inflight[n]
		if o.attempts == 1 && !o.stalled {
			s.observe(now.Sub(o.sent))
		}
		n++
	}
	if n > 0 {
		s.inflight = append(s.inflight[:0], s.inflight[n:]...)
	}
	return n
}

// from returns the in-flight entries starting at seq.
func (s *controlSender) from(seq uint64) []*outbound {
	for i, o := range s.inflight {
		if o.seq >= seq {
			return s.inflight[i:]
		}
	}
	return nil
}

// due returns entries whose retransmission timer has fired.
func (s *controlSender) due(now time.Time) []*outbound {
	var out []*outbound
	for _, o := range s.inflight {
		if now.Sub(o.sent) >= s.timeout(o.attempts) {
			out = append(out, o)
		}
	}
	return out
}

func (s *controlSender) timeout(attempts int) time.Duration {
	d := s.rto
	for i := 1; i < attempts && d < s.maxRTO; i++ {
		d *= 2
	}
	if d > s.maxRTO {
		d = s.maxRTO
	}
	return d
}

// observe folds an RTT sample into the estimator (RFC 6298).
func (s *controlSender) observe(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	if s.srtt == 0 {
		s.srtt = rtt
		s.rttvar = rtt / 2
	} else {
		diff := s.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		s.rttvar = (3*s.rttvar + diff) / 4
		s.srtt = (7*s.srtt + rtt) / 8
	}
	s.rto = s.srtt + 4*s.rttvar
	if s.rto < minControlRTO {
		s.rto = minControlRTO
	}
	if s.rto > s.maxRTO {
		s.rto = s.maxRTO
	}
}

// stall restarts the retransmission budget of every in-flight frame.
// The peer is alive but its application is not reading, so retries spent
// waiting for room do not count toward giving up.
func (s *controlSender) stall() {
	for _, o := range s.inflight {
		o.attempts = 1
		o.stalled = true
	}
}

func (s *controlSender) reset() {
	s.inflight = nil
}

type delivery struct {
	typ  FrameType
	body []byte
}

type recvStatus int

const (
	recvInOrder recvStatus = iota
	recvBuffered
	recvDuplicate
	recvDropped
)

// controlReceiver reorders reliable frames and releases them in sequence.
type controlReceiver struct {
	expected uint64
	buffered map[uint64]delivery
	limit    int
}

func newControlReceiver(limit int) *controlReceiver {
	return &controlReceiver{expected: 1, buffered: make(map[uint64]delivery), limit: limit}
}

func (r *controlReceiver) receive(seq uint64, d delivery) ([]delivery, recvStatus) {
	switch {
	case seq < r.expected:
		return nil, recvDuplicate
	case seq >= r.expected+uint64(r.limit):
		return nil, recvDropped
	case seq > r.expected:
		if _, ok := r.buffered[seq]; ok {
			return nil, recvDuplicate
		}
		r.buffered[seq] = d
		return nil, recvBuffered
	}

	ready := []delivery{d}
	r.expected++
	for {
		next, ok := r.buffered[r.expected]
		if !ok {
			break
		}
		delete(r.buffered, r.expected)
		ready = append(ready, next)
		r.expected++
	}
	return ready, recvInOrder
}

// cumulative is the highest sequence delivered in order.
func (r *controlReceiver) cumulative() uint64 {
	return r.expected - 1
}

func encodeControl(seq uint64, body []byte) []byte {
	b := make([]byte, controlSeqSize+len(body))
	binary.BigEndian.PutUint64(b, seq)
	copy(b[controlSeqSize:], body)
	return b
}

func decodeControl(pt []byte) (uint64, []byte, error) {
	if len(pt) < controlSeqSize {
		return 0, nil, fmt.Errorf("%w: reliable frame of %d bytes", ErrMalformedFrame, len(pt))
	}
	return binary.BigEndian.Uint64(pt), pt[controlSeqSize:], nil
}

// ackSize is a ControlAck payload: the cumulative sequence and the
// number of messages the receiver can still buffer.
const ackSize = 8 + 4

func encodeAck(cum uint64, window int) []byte {
	b := make([]byte, ackSize)
	binary.BigEndian.PutUint64(b, cum)
	binary.BigEndian.PutUint32(b[8:], uint32(max(window, 0)))
	return b
}

func decodeAck(b []byte) (cum uint64, window uint32, err error) {
	if len(b) < ackSize {
		return 0, 0, fmt.Errorf("%w: control ack of %d bytes", ErrMalformedFrame, len(b))
	}
	return binary.BigEndian.Uint64(b), binary.BigEndian.Uint32(b[8:]), nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("%w: expected 8 bytes, got %d", ErrMalformedFrame, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
