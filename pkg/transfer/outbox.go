package transfer

import (
	"context"
	"sync"
	"time"
)

// outbox serializes a transfer's reliable messages onto the session from
// its own goroutine, so the transfer loop never waits on the session's
// send window.
type outbox struct {
	conn Conn

	mu      sync.Mutex
	queue   [][]byte
	closing bool
	err     error

	wake chan struct{}
	done chan struct{}
}

func newOutbox(conn Conn) *outbox {
	return &outbox{
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (o *outbox) send(m *Message) error {
	b, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.queue = append(o.queue, b)
	o.mu.Unlock()
	o.signal()
	return nil
}

// failed returns the error that stopped the outbox, if any.
func (o *outbox) failed() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) run(ctx context.Context) {
	defer close(o.done)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			closing := o.closing
			o.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-o.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		b := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if err := o.conn.SendMessage(ctx, b); err != nil {
			o.mu.Lock()
			o.err = err
			o.mu.Unlock()
			return
		}
	}
}

// shutdown lets queued messages drain for up to timeout.
func (o *outbox) shutdown(timeout time.Duration) {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.signal()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-o.done:
	case <-t.C:
	}
}
