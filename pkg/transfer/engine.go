// Package transfer moves content-addressed files over sessions. Content is
// split into chunks whose BLAKE3 leaf hashes fold into a tree; the root,
// wrapped as a CID, names the content. Receivers verify every chunk
// against the announced hash list and the list against the CID before
// writing anything, so a sender cannot substitute data.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
)

// Conn is the session surface a transfer runs over.
type Conn interface {
	PeerID() peer.ID
	// Send transmits an unreliable datagram.
	Send(ctx context.Context, payload []byte) error
	// SendMessage transmits a reliable, ordered message.
	SendMessage(ctx context.Context, payload []byte) error
	Done() <-chan struct{}
}

// Observer receives transfer events. Implementations must not block.
type Observer interface {
	TransferStarted(h *Handle)
	TransferFinished(h *Handle, err error)
	ChunkSent(bytes int, retransmit bool)
	ChunkVerified(bytes int)
	ChunkRejected()
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) TransferStarted(*Handle)         {}
func (NopObserver) TransferFinished(*Handle, error) {}
func (NopObserver) ChunkSent(int, bool)             {}
func (NopObserver) ChunkVerified(int)               {}
func (NopObserver) ChunkRejected()                  {}

// Offer describes content a peer proposes to send.
type Offer struct {
	ID           uuid.UUID
	Peer         peer.ID
	CID          cid.Cid
	Name         string
	Size         uint64
	ChunkSize    int
	ChunkCount   int
	FragmentSize int
	Compression  uint8
	Received     time.Time
}

// ReceiveOptions selects an offer and where its content goes.
type ReceiveOptions struct {
	// Expected restricts acceptance to this CID. Undefined accepts the
	// next offer from the peer.
	Expected cid.Cid
	// Path is the destination file. When empty the offer's name is
	// placed in Dir.
	Path string
	Dir  string
}

type pendingOffer struct {
	offer Offer
	conn  Conn
	// early holds messages that arrived before the offer was accepted,
	// within the engine's early-message budget.
	early      []*Message
	earlyBytes int
}

type waiter struct {
	expected cid.Cid
	ch       chan *pendingOffer
}

// task is the engine's view of a running sender or receiver.
type task interface {
	handle() *Handle
	conn() Conn
	onMessage(m *Message)
	onFragment(f *Fragment)
}

// Engine runs transfers for a node. One goroutine drives each transfer.
type Engine struct {
	cfg      Config
	store    ResumeStore
	logger   logging.Logger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[uuid.UUID]task
	offers  map[peer.ID][]*pendingOffer
	waiters map[peer.ID][]*waiter
	// accepting holds offers taken by Receive but not yet running, so
	// their hash lists are not lost.
	accepting map[uuid.UUID]*pendingOffer
	closed    bool
}

// NewEngine creates an engine. A nil store keeps resume state in memory.
func NewEngine(cfg Config, store ResumeStore, logger logging.Logger, observer Observer) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer config: %w", err)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		store:    store,
		logger:   logging.OrNop(logger),
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[uuid.UUID]task),
		offers:   make(map[peer.ID][]*pendingOffer),
		waiters:  make(map[peer.ID][]*waiter),

		accepting: make(map[uuid.UUID]*pendingOffer),
	}
	e.wg.Add(1)
	go e.expireOffers()
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// SendFile offers the file at path to the peer behind conn.
func (e *Engine) SendFile(ctx context.Context, conn Conn, path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	h, err := e.send(ctx, conn, filepath.Base(path), f, uint64(fi.Size()), f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return h, nil
}

// Send offers size bytes of r under name. r must stay readable until the
// transfer finishes.
func (e *Engine) Send(ctx context.Context, conn Conn, name string, r io.ReaderAt, size uint64) (*Handle, error) {
	return e.send(ctx, conn, name, r, size, nil)
}

func (e *Engine) send(ctx context.Context, conn Conn, name string, r io.ReaderAt, size uint64, closer io.Closer) (*Handle, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	m, err := BuildManifest(ctx, r, size, name, e.cfg.ChunkSize, e.cfg.HashWorkers)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", name, err)
	}

	s := newSender(e, conn, m, r, closer)
	if !e.register(s) {
		return nil, ErrEngineClosed
	}
	e.logger.Info("Offering content",
		"transfer", s.h.id, "cid", m.CID, "peer", conn.PeerID(), "size", size)
	e.start(s, s.run)
	return s.h, nil
}

// Receive accepts an offer from the peer behind conn, waiting for one if
// none is queued. Partial content from an earlier attempt at the same CID
// is resumed.
func (e *Engine) Receive(ctx context.Context, conn Conn, opts ReceiveOptions) (*Handle, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	po, err := e.takeOffer(ctx, conn.PeerID(), opts.Expected)
	if err != nil {
		return nil, err
	}
	dest, err := destination(opts, po.offer.Name)
	if err != nil {
		e.mu.Lock()
		delete(e.accepting, po.offer.ID)
		e.mu.Unlock()
		e.reject(po.conn, po.offer.ID, "bad destination")
		return nil, err
	}

	r := newReceiver(e, po.conn, po.offer, dest)
	e.mu.Lock()
	delete(e.accepting, po.offer.ID)
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	for _, m := range po.early {
		r.replay(m)
	}
	e.tasks[po.offer.ID] = r
	e.mu.Unlock()
	e.logger.Info("Accepted offer",
		"transfer", po.offer.ID, "cid", po.offer.CID, "peer", po.offer.Peer, "dest", dest)
	e.start(r, r.run)
	return r.h, nil
}

// Offers returns the queued offers.
func (e *Engine) Offers() []Offer {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Offer
	for _, q := range e.offers {
		for _, po := range q {
			out = append(out, po.offer)
		}
	}
	return out
}

// Transfers returns handles for running transfers.
func (e *Engine) Transfers() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Handle, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.handle())
	}
	return out
}

// Get returns a running transfer.
func (e *Engine) Get(id uuid.UUID) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, false
	}
	return t.handle(), true
}

// HandleMessage processes a reliable transfer message from conn.
func (e *Engine) HandleMessage(conn Conn, b []byte) {
	m, err := DecodeMessage(b)
	if err != nil {
		e.logger.Debug("Dropping transfer message", "peer", conn.PeerID(), "error", err)
		return
	}
	switch m.Type {
	case MsgOffer:
		e.onOffer(conn, m)
		return
	}
	if e.queueEarly(conn, m) {
		return
	}

	t := e.lookup(conn, m.ID)
	if t == nil {
		e.logger.Debug("Message for unknown transfer",
			"type", m.Type, "transfer", m.ID, "peer", conn.PeerID())
		return
	}
	t.onMessage(m)
}

// HandleData processes an unreliable data frame from conn.
func (e *Engine) HandleData(conn Conn, b []byte) {
	f, err := ParseFragment(b)
	if err != nil {
		return
	}
	if t := e.lookup(conn, f.ID); t != nil {
		t.onFragment(f)
	}
}

// Close stops every transfer. Receivers keep their resume state.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for p, ws := range e.waiters {
		for _, w := range ws {
			close(w.ch)
		}
		delete(e.waiters, p)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return e.store.Close()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) register(t task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.tasks[t.handle().id] = t
	return true
}

func (e *Engine) start(t task, run func(context.Context) error) {
	h := t.handle()
	e.observer.TransferStarted(h)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := run(e.ctx)
		e.mu.Lock()
		delete(e.tasks, h.id)
		e.mu.Unlock()
		h.finish(err)
		e.observer.TransferFinished(h, err)
		if err != nil {
			e.logger.Warn("Transfer ended",
				"transfer", h.id, "direction", h.dir, "peer", h.peer, "error", err)
		} else {
			e.logger.Info("Transfer complete",
				"transfer", h.id, "direction", h.dir, "peer", h.peer, "cid", h.cid)
		}
	}()
}

func (e *Engine) lookup(conn Conn, id uuid.UUID) task {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok || t.handle().peer != conn.PeerID() {
		return nil
	}
	return t
}

func (e *Engine) onOffer(conn Conn, m *Message) {
	c, err := cid.Cast(m.CID)
	if err == nil {
		_, err = RootFromCID(c)
	}
	if err != nil || m.ChunkSize == 0 || m.FragmentSize == 0 {
		e.reject(conn, m.ID, "malformed offer")
		return
	}
	if reason := e.checkOffer(m); reason != "" {
		e.logger.Debug("Rejecting offer", "transfer", m.ID, "peer", conn.PeerID(), "reason", reason)
		e.reject(conn, m.ID, reason)
		return
	}

	po := &pendingOffer{
		offer: Offer{
			ID:           m.ID,
			Peer:         conn.PeerID(),
			CID:          c,
			Name:         m.Name,
			Size:         m.Size,
			ChunkSize:    int(m.ChunkSize),
			ChunkCount:   int(m.ChunkCount),
			FragmentSize: int(m.FragmentSize),
			Compression:  m.Compression,
			Received:     time.Now(),
		},
		conn: conn,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, dup := e.tasks[m.ID]; dup || e.accepting[m.ID] != nil {
		e.mu.Unlock()
		return
	}
	ws := e.waiters[po.offer.Peer]
	for i, w := range ws {
		if w.expected.Defined() && !w.expected.Equals(c) {
			continue
		}
		e.waiters[po.offer.Peer] = append(ws[:i:i], ws[i+1:]...)
		e.accepting[m.ID] = po
		e.mu.Unlock()
		w.ch <- po
		return
	}
	q := e.offers[po.offer.Peer]
	if len(q) >= e.cfg.MaxQueuedOffers {
		e.mu.Unlock()
		e.reject(conn, m.ID, "too many pending offers")
		return
	}
	e.offers[po.offer.Peer] = append(q, po)
	e.mu.Unlock()
	e.logger.Debug("Queued offer", "transfer", m.ID, "cid", c, "peer", po.offer.Peer)
}

// checkOffer bounds everything a receiver would allocate for m. It
// returns the rejection reason, or "" when the offer is acceptable.
func (e *Engine) checkOffer(m *Message) string {
	cs := int(m.ChunkSize)
	switch {
	case m.Size > e.cfg.MaxOfferSize:
		return "offer too large"
	case cs > e.cfg.ChunkSize*4:
		return "chunk size too large"
	case int64(m.ChunkCount) > int64(e.cfg.MaxChunkCount):
		return "too many chunks"
	case chunkCount(m.Size, cs) != uint64(m.ChunkCount):
		return "malformed offer"
	case m.FragmentSize > MaxFragmentSize:
		return "fragment size too large"
	case fragmentCount(maxEncodedChunk(cs), int(m.FragmentSize)) > 0xFFFF:
		return "fragment size too small"
	}
	return ""
}

// earlyFootprint approximates the memory a buffered message holds.
func earlyFootprint(m *Message) int {
	n := 64 + len(m.Reason) + len(m.Ranges)*8 + len(m.Chunks)*4
	for _, h := range m.Hashes {
		n += 24 + len(h)
	}
	return n
}

// queueEarly holds a message for an offer that is not yet running. A
// Cancel withdraws a queued offer. It returns false when no such offer
// exists. Messages over the budget are dropped; the receiver asks for
// missing hash lists once it runs.
func (e *Engine) queueEarly(conn Conn, m *Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	keep := func(po *pendingOffer) {
		fp := earlyFootprint(m)
		if len(po.early) >= e.cfg.MaxEarlyMessages || po.earlyBytes+fp > e.cfg.MaxEarlyBytes {
			return
		}
		po.early = append(po.early, m)
		po.earlyBytes += fp
	}
	q := e.offers[conn.PeerID()]
	for i, po := range q {
		if po.offer.ID != m.ID {
			continue
		}
		if m.Type == MsgCancel {
			e.offers[conn.PeerID()] = append(q[:i:i], q[i+1:]...)
			if len(e.offers[conn.PeerID()]) == 0 {
				delete(e.offers, conn.PeerID())
			}
			return true
		}
		keep(po)
		return true
	}
	if po, ok := e.accepting[m.ID]; ok && po.offer.Peer == conn.PeerID() {
		keep(po)
		return true
	}
	return false
}

func (e *Engine) takeOffer(ctx context.Context, p peer.ID, expected cid.Cid) (*pendingOffer, error) {
	e.mu.Lock()
	q := e.offers[p]
	for i, po := range q {
		if expected.Defined() && !expected.Equals(po.offer.CID) {
			continue
		}
		e.offers[p] = append(q[:i:i], q[i+1:]...)
		if len(e.offers[p]) == 0 {
			delete(e.offers, p)
		}
		e.accepting[po.offer.ID] = po
		e.mu.Unlock()
		return po, nil
	}
	w := &waiter{expected: expected, ch: make(chan *pendingOffer, 1)}
	e.waiters[p] = append(e.waiters[p], w)
	e.mu.Unlock()

	select {
	case po, ok := <-w.ch:
		if !ok {
			return nil, ErrEngineClosed
		}
		return po, nil
	case <-ctx.Done():
		e.mu.Lock()
		ws := e.waiters[p]
		for i := range ws {
			if ws[i] == w {
				e.waiters[p] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
		// An offer may have been handed over after the deadline.
		select {
		case po, ok := <-w.ch:
			if ok {
				e.requeue(po)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

func (e *Engine) requeue(po *pendingOffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.accepting, po.offer.ID)
	e.offers[po.offer.Peer] = append([]*pendingOffer{po}, e.offers[po.offer.Peer]...)
}

func (e *Engine) expireOffers() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.OfferTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			var expired []*pendingOffer
			e.mu.Lock()
			for p, q := range e.offers {
				kept := q[:0]
				for _, po := range q {
					if now.Sub(po.offer.Received) > e.cfg.OfferTimeout {
						expired = append(expired, po)
						continue
					}
					kept = append(kept, po)
				}
				if len(kept) == 0 {
					delete(e.offers, p)
				} else {
					e.offers[p] = kept
				}
			}
			e.mu.Unlock()
			for _, po := range expired {
				e.reject(po.conn, po.offer.ID, "offer expired")
			}
		}
	}
}

// reject answers an offer that will not be accepted.
func (e *Engine) reject(conn Conn, id uuid.UUID, reason string) {
	b, err := EncodeMessage(&Message{Type: MsgReject, ID: id, Reason: reason})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, time.Second)
	defer cancel()
	if err := conn.SendMessage(ctx, b); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Debug("Failed to send reject", "transfer", id, "error", err)
	}
}

func destination(opts ReceiveOptions, name string) (string, error) {
	if opts.Path != "" {
		return opts.Path, nil
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == "" {
		return "", fmt.Errorf("offer has no usable name %q", name)
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, base), nil
}
