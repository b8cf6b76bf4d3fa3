package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrIntegrityFailure means content did not match its CID.
	ErrIntegrityFailure = errors.New("transfer: integrity failure")
	// ErrAborted means the transfer stopped without completing; a receiver
	// keeps its partial state for a later resume.
	ErrAborted = errors.New("transfer: aborted")
	// ErrCancelled means either side cancelled.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrRejected means the receiver declined the offer.
	ErrRejected = errors.New("transfer: offer rejected")
	// ErrEngineClosed is returned after Engine.Close.
	ErrEngineClosed = errors.New("transfer: engine closed")
	// ErrFinished is returned by control calls on a finished transfer.
	ErrFinished = errors.New("transfer: already finished")
)

// Direction is which side of a transfer a handle represents.
type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// State is the lifecycle of a transfer.
type State uint8

const (
	StatePending State = iota
	StateActive
	StatePaused
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Finished reports whether s is terminal.
func (s State) Finished() bool {
	return s >= StateCompleted
}

// Progress is a snapshot of a transfer.
type Progress struct {
	State       State
	Chunks      int
	TotalChunks int
	Bytes       uint64
	TotalBytes  uint64
	Retransmits uint64
	Started     time.Time
	Elapsed     time.Duration
}

// Fraction returns completion in [0, 1].
func (p Progress) Fraction() float64 {
	if p.TotalChunks == 0 {
		return 0
	}
	return float64(p.Chunks) / float64(p.TotalChunks)
}

// Rate returns the average throughput in bytes per second.
func (p Progress) Rate() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Bytes) / p.Elapsed.Seconds()
}

type controlOp uint8

const (
	opPause controlOp = iota + 1
	opResume
	opCancel
)

type controlReq struct {
	op    controlOp
	reply chan error
}

// Handle observes and controls one transfer.
type Handle struct {
	id        uuid.UUID
	cid       cid.Cid
	peer      peer.ID
	dir       Direction
	name      string
	size      uint64
	total     int
	chunkSize int

	ctrl chan controlReq
	done chan struct{}

	mu          sync.Mutex
	state       State
	err         error
	chunks      int
	retransmits uint64
	started     time.Time
	finished    time.Time
}

func newHandle(id uuid.UUID, c cid.Cid, p peer.ID, dir Direction, name string, size uint64, chunkSize int) *Handle {
	return &Handle{
		id:        id,
		cid:       c,
		peer:      p,
		dir:       dir,
		name:      name,
		size:      size,
		total:     ChunkCount(size, chunkSize),
		chunkSize: chunkSize,
		ctrl:      make(chan controlReq),
		done:      make(chan struct{}),
		started:   time.Now(),
	}
}

func (h *Handle) ID() uuid.UUID        { return h.id }
func (h *Handle) CID() cid.Cid         { return h.cid }
func (h *Handle) Peer() peer.ID        { return h.peer }
func (h *Handle) Direction() Direction { return h.dir }
func (h *Handle) Name() string         { return h.name }
func (h *Handle) Size() uint64         { return h.size }

// Done is closed when the transfer finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the failure cause, or nil while running or on success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Progress returns a snapshot of the transfer.
func (h *Handle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	end := h.finished
	if end.IsZero() {
		end = time.Now()
	}
	return Progress{
		State:       h.state,
		Chunks:      h.chunks,
		TotalChunks: h.total,
		Bytes:       h.bytesLocked(),
		TotalBytes:  h.size,
		Retransmits: h.retransmits,
		Started:     h.started,
		Elapsed:     end.Sub(h.started),
	}
}

func (h *Handle) bytesLocked() uint64 {
	b := uint64(h.chunks) * uint64(h.chunkSize)
	if b > h.size {
		b = h.size
	}
	return b
}

// Wait blocks until the transfer finishes and returns its error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops sending. A receiver asks its sender to pause.
func (h *Handle) Pause(ctx context.Context) error { return h.control(ctx, opPause) }

// Resume undoes Pause.
func (h *Handle) Resume(ctx context.Context) error { return h.control(ctx, opResume) }

// Cancel stops the transfer on both sides. A cancelled receiver discards
// its partial state.
func (h *Handle) Cancel(ctx context.Context) error { return h.control(ctx, opCancel) }

func (h *Handle) control(ctx context.Context, op controlOp) error {
	req := controlReq{op: op, reply: make(chan error, 1)}
	select {
	case h.ctrl <- req:
	case <-h.done:
		return ErrFinished
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) setChunks(n int) {
	h.mu.Lock()
	h.chunks = n
	h.mu.Unlock()
}

func (h *Handle) addRetransmit() {
	h.mu.Lock()
	h.retransmits++
	h.mu.Unlock()
}

// finish records the outcome and closes Done.
func (h *Handle) finish(err error) {
	h.mu.Lock()
	switch {
	case err == nil:
		h.state = StateCompleted
	case errors.Is(err, ErrCancelled):
		h.state = StateCancelled
	default:
		h.state = StateFailed
	}
	h.err = err
	h.finished = time.Now()
	h.mu.Unlock()
	close(h.done)
}
