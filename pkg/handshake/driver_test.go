package handshake

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// chanConn is one end of an in-memory message pipe.
type chanConn struct {
	in   chan []byte
	out  chan []byte
	drop func(msg []byte) bool
}

func newPipe() (*chanConn, *chanConn) {
	a2b := make(chan []byte, 32)
	b2a := make(chan []byte, 32)
	return &chanConn{in: b2a, out: a2b}, &chanConn{in: a2b, out: b2a}
}

func (c *chanConn) Send(ctx context.Context, msg []byte) error {
	if c.drop != nil && c.drop(msg) {
		return nil
	}
	select {
	case c.out <- append([]byte(nil), msg...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chanConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serve answers handshakes on conn until ctx ends, sending results to done.
func serve(ctx context.Context, id *crypto.Identity, conn *chanConn, done chan<- *Result) {
	var r *Responder
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return
		}
		typ, _ := PeekType(msg)
		switch typ {
		case Message1:
			if r != nil {
				_ = conn.Send(ctx, r.Message2())
				continue
			}
			var msg2 []byte
			r, msg2, err = Respond(id, msg)
			if err != nil {
				continue
			}
			_ = conn.Send(ctx, msg2)
		case Message3:
			if r == nil {
				continue
			}
			res, err := r.ReadMessage3(msg)
			if err == nil {
				done <- res
				return
			}
		}
	}
}

func TestInitiate_RetransmitsLostMessage1(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ic, rc := newPipe()
	var dropped atomic.Int32
	ic.drop = func(msg []byte) bool {
		typ, _ := PeekType(msg)
		return typ == Message1 && dropped.Add(1) <= 2
	}

	done := make(chan *Result, 1)
	go serve(ctx, newIdentity(t), rc, done)

	_, res, err := Initiate(ctx, newIdentity(t), ic, "", Options{RetransmitInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	select {
	case rres := <-done:
		assert.Equal(t, res.SendKey(), rres.RecvKey())
		assert.Equal(t, res.ConnID, rres.ConnID)
	case <-ctx.Done():
		t.Fatal("responder never completed")
	}
	assert.GreaterOrEqual(t, dropped.Load(), int32(3))
}

func TestInitiate_TimeoutWithoutResponder(t *testing.T) {
	ic, _ := newPipe()
	start := time.Now()
	_, _, err := Initiate(context.Background(), newIdentity(t), ic, "", Options{
		Timeout:            200 * time.Millisecond,
		RetransmitInterval: 20 * time.Millisecond,
		MaxRetransmits:     100,
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInitiate_RetransmitBudgetExhausted(t *testing.T) {
	ic, _ := newPipe()
	_, _, err := Initiate(context.Background(), newIdentity(t), ic, "", Options{
		Timeout:            5 * time.Second,
		RetransmitInterval: 10 * time.Millisecond,
		MaxRetransmits:     2,
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestInitiate_ContextCanceled(t *testing.T) {
	ic, _ := newPipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, _, err := Initiate(ctx, newIdentity(t), ic, "", Options{RetransmitInterval: 10 * time.Millisecond, MaxRetransmits: 1000})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInitiate_TamperedMessage2(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ic, rc := newPipe()
	rc.drop = func(msg []byte) bool {
		if typ, _ := PeekType(msg); typ == Message2 {
			tampered := append([]byte(nil), msg...)
			tampered[len(tampered)-1] ^= 0x80
			rc.out <- tampered
			return true
		}
		return false
	}
	go serve(ctx, newIdentity(t), rc, make(chan *Result, 1))

	_, _, err := Initiate(ctx, newIdentity(t), ic, "", Options{})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
