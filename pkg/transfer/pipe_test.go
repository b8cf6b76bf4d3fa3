package transfer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

var errPipeClosed = errors.New("pipe closed")

// pipeEnd is one side of an in-memory session. Reliable messages arrive in
// order; data frames may be delayed, reordered, dropped or mangled.
type pipeEnd struct {
	remoteID peer.ID
	peerEnd  *pipeEnd
	engine   *Engine // engine that owns this end

	msgs chan []byte
	done chan struct{}
	once *sync.Once

	mu     sync.Mutex
	rng    *rand.Rand
	jitter time.Duration
	drop   func(f *Fragment) bool
	mangle func(f []byte)
}

// newPipe connects a and b. a's end reports b's peer id and vice versa.
func newPipe(a, b *Engine, aID, bID peer.ID) (*pipeEnd, *pipeEnd) {
	once := new(sync.Once)
	done := make(chan struct{})
	ea := &pipeEnd{remoteID: bID, engine: a, msgs: make(chan []byte, 8192), done: done, once: once, rng: rand.New(rand.NewSource(1))}
	eb := &pipeEnd{remoteID: aID, engine: b, msgs: make(chan []byte, 8192), done: done, once: once, rng: rand.New(rand.NewSource(2))}
	ea.peerEnd, eb.peerEnd = eb, ea
	go ea.pumpMessages()
	go eb.pumpMessages()
	return ea, eb
}

func (p *pipeEnd) PeerID() peer.ID       { return p.remoteID }
func (p *pipeEnd) Done() <-chan struct{} { return p.done }

func (p *pipeEnd) close() { p.once.Do(func() { close(p.done) }) }

func (p *pipeEnd) SendMessage(ctx context.Context, b []byte) error {
	select {
	case <-p.done:
		return errPipeClosed
	default:
	}
	select {
	case p.peerEnd.msgs <- append([]byte(nil), b...):
		return nil
	case <-p.done:
		return errPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Send(_ context.Context, b []byte) error {
	select {
	case <-p.done:
		return errPipeClosed
	default:
	}
	frame := append([]byte(nil), b...)

	p.mu.Lock()
	if p.drop != nil {
		if f, err := ParseFragment(frame); err == nil && p.drop(f) {
			p.mu.Unlock()
			return nil
		}
	}
	if p.mangle != nil {
		p.mangle(frame)
	}
	var delay time.Duration
	if p.jitter > 0 {
		delay = time.Duration(p.rng.Int63n(int64(p.jitter)))
	}
	p.mu.Unlock()

	dst := p.peerEnd
	if delay == 0 {
		dst.engine.HandleData(dst, frame)
		return nil
	}
	time.AfterFunc(delay, func() {
		select {
		case <-dst.done:
		default:
			dst.engine.HandleData(dst, frame)
		}
	})
	return nil
}

// pumpMessages delivers reliable messages sent to this end.
func (p *pipeEnd) pumpMessages() {
	for {
		select {
		case b := <-p.msgs:
			p.engine.HandleMessage(p, b)
		case <-p.done:
			return
		}
	}
}

func (p *pipeEnd) setDrop(fn func(f *Fragment) bool) {
	p.mu.Lock()
	p.drop = fn
	p.mu.Unlock()
}

// lossy drops a fraction of data frames at random.
func lossy(rate float64, seed int64) func(*Fragment) bool {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(*Fragment) bool {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64() < rate
	}
}

// countingObserver counts chunk events.
type countingObserver struct {
	NopObserver
	mu          sync.Mutex
	sent        int
	retransmits int
	verified    int
	rejected    int
	finished    []error
}

func (o *countingObserver) ChunkSent(_ int, retransmit bool) {
	o.mu.Lock()
	o.sent++
	if retransmit {
		o.retransmits++
	}
	o.mu.Unlock()
}

func (o *countingObserver) ChunkVerified(int) {
	o.mu.Lock()
	o.verified++
	o.mu.Unlock()
}

func (o *countingObserver) ChunkRejected() {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func (o *countingObserver) TransferFinished(_ *Handle, err error) {
	o.mu.Lock()
	o.finished = append(o.finished, err)
	o.mu.Unlock()
}

func (o *countingObserver) counts() (sent, verified, rejected int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent, o.verified, o.rejected
}
