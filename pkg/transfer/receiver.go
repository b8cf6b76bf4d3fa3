package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// partialSuffix is appended to the destination while content arrives.
const partialSuffix = ".wraith-partial"

type assembly struct {
	count uint16
	parts [][]byte
	have  int
	size  int
}

// receiver collects one offer's chunks, verifying each against the hash
// list before writing it.
type receiver struct {
	e     *Engine
	c     Conn
	h     *Handle
	offer Offer
	dest  string

	msgs chan *Message
	data chan *Fragment
	out  *outbox

	hashes    []crypto.Hash
	haveHash  *ChunkSet
	verified  *ChunkSet
	failures  map[uint32]int
	partial   map[uint32]*assembly
	maxParts  int
	maxFrags  uint16
	maxEnc    int
	file      *os.File
	tempPath  string
	acks      []uint32
	dirty     bool
	accepted  bool
	paused    bool
	remote    bool
	progress  time.Time
	lastFlush time.Time

	// hashSeen is the last time a new hash arrived; hashAsked the last
	// time missing hash lists were requested.
	hashSeen  time.Time
	hashAsked time.Time
}

func newReceiver(e *Engine, c Conn, o Offer, dest string) *receiver {
	maxEnc := maxEncodedChunk(o.ChunkSize)
	return &receiver{
		e:        e,
		c:        c,
		h:        newHandle(o.ID, o.CID, o.Peer, Incoming, o.Name, o.Size, o.ChunkSize),
		offer:    o,
		dest:     dest,
		msgs:     make(chan *Message, 64),
		data:     make(chan *Fragment, e.cfg.DataQueue),
		out:      newOutbox(c),
		hashes:   make([]crypto.Hash, o.ChunkCount),
		haveHash: NewChunkSet(o.ChunkCount),
		verified: NewChunkSet(o.ChunkCount),
		failures: make(map[uint32]int),
		partial:  make(map[uint32]*assembly),
		maxParts: 2 * e.cfg.MaxWindow,
		maxFrags: uint16(fragmentCount(maxEnc, o.FragmentSize)),
		maxEnc:   maxEnc,
		tempPath: dest + partialSuffix,
	}
}

func (r *receiver) handle() *Handle { return r.h }
func (r *receiver) conn() Conn      { return r.c }

func (r *receiver) onMessage(m *Message) {
	select {
	case r.msgs <- m:
	case <-r.h.done:
	}
}

// onFragment queues f, dropping it when the receiver is behind; the
// sender retransmits unacknowledged chunks.
func (r *receiver) onFragment(f *Fragment) {
	select {
	case r.data <- f:
	default:
	}
}

// replay applies a message that arrived before the receiver started.
func (r *receiver) replay(m *Message) {
	if m.Type == MsgHashList {
		r.addHashes(m)
		return
	}
	select {
	case r.msgs <- m:
	default:
	}
}

func (r *receiver) addHashes(m *Message) {
	added := false
	for i, b := range m.Hashes {
		idx := int(m.Start) + i
		if idx >= len(r.hashes) || len(b) != crypto.HashSize || r.haveHash.Has(idx) {
			continue
		}
		copy(r.hashes[idx][:], b)
		r.haveHash.Set(idx)
		added = true
	}
	if added {
		r.hashSeen = time.Now()
	}
}

func (r *receiver) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	go r.out.run(ctx)
	defer func() {
		r.out.shutdown(time.Second)
		cancel()
		if r.file != nil {
			r.file.Close()
		}
	}()

	r.progress = time.Now()
	if r.hashSeen.IsZero() {
		r.hashSeen = r.progress
	}
	ticker := time.NewTicker(r.e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if !r.accepted && r.haveHash.Full() {
			if err := r.accept(ctx); err != nil {
				return err
			}
		}
		if r.accepted && r.verified.Full() {
			return r.finalize(ctx)
		}

		select {
		case <-ctx.Done():
			r.save()
			return fmt.Errorf("%w: %w", ErrAborted, ErrEngineClosed)
		case <-r.c.Done():
			r.save()
			return fmt.Errorf("%w: session closed", ErrAborted)
		case req := <-r.h.ctrl:
			if err := r.control(req); err != nil {
				return err
			}
		case m := <-r.msgs:
			if err := r.onControl(m); err != nil {
				return err
			}
		case f := <-r.data:
			if err := r.onData(f); err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := r.tick(now); err != nil {
				return err
			}
		}
		if err := r.out.failed(); err != nil {
			r.save()
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
}

// accept checks the hash list against the CID, opens the partial file,
// recovers verified chunks from an earlier attempt and requests the rest.
func (r *receiver) accept(ctx context.Context) error {
	want, err := RootFromCID(r.offer.CID)
	if err != nil {
		return err
	}
	if Root(r.hashes) != want {
		_ = r.out.send(&Message{Type: MsgCancel, ID: r.h.id, Reason: reasonIntegrity})
		return fmt.Errorf("%w: hash list does not match %s", ErrIntegrityFailure, r.offer.CID)
	}

	if err := os.MkdirAll(filepath.Dir(r.dest), 0o755); err != nil {
		return r.abortOffer(err)
	}
	if st, err := r.e.store.Load(r.offer.CID.String()); err == nil &&
		st.Size == r.offer.Size && st.ChunkSize == r.offer.ChunkSize {
		if _, err := os.Stat(st.TempPath); err == nil {
			r.tempPath = st.TempPath
			r.verified = ChunkSetFromBytes(r.offer.ChunkCount, st.Verified)
		}
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		r.e.logger.Warn("Failed to load resume state", "cid", r.offer.CID, "error", err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if r.verified.Count() == 0 {
		flags |= os.O_TRUNC
	}
	r.file, err = os.OpenFile(r.tempPath, flags, 0o644)
	if err != nil {
		return r.abortOffer(err)
	}
	if err := r.file.Truncate(int64(r.offer.Size)); err != nil {
		return r.abortOffer(err)
	}
	r.accepted = true
	if r.verified.Count() > 0 {
		r.recheck()
		r.e.logger.Info("Resuming transfer",
			"transfer", r.h.id, "cid", r.offer.CID, "verified", r.verified.Count(), "total", r.offer.ChunkCount)
	}
	r.save()

	have := make([]uint32, 0, r.verified.Count())
	for i := 0; i < r.verified.Len(); i++ {
		if r.verified.Has(i) {
			have = append(have, uint32(i))
		}
	}
	for len(have) > 0 {
		n := min(len(have), ChunksPerAck)
		if err := r.out.send(&Message{Type: MsgAck, ID: r.h.id, Chunks: have[:n]}); err != nil {
			return err
		}
		have = have[n:]
	}
	missing := r.verified.Missing()
	for len(missing) > 0 {
		n := min(len(missing), RangesPerMessage)
		if err := r.out.send(&Message{Type: MsgRequest, ID: r.h.id, Ranges: missing[:n]}); err != nil {
			return err
		}
		missing = missing[n:]
	}

	r.progress = time.Now()
	r.h.setChunks(r.verified.Count())
	r.refreshState()
	return nil
}

// recheck re-hashes chunks recorded as verified and forgets any that no
// longer match.
func (r *receiver) recheck() {
	for i := 0; i < r.verified.Len(); i++ {
		if !r.verified.Has(i) {
			continue
		}
		chunk, err := ReadChunk(r.file, i, r.offer.Size, r.offer.ChunkSize)
		if err != nil || LeafHash(chunk) != r.hashes[i] {
			r.verified.Clear(i)
		}
	}
}

func (r *receiver) abortOffer(err error) error {
	_ = r.out.send(&Message{Type: MsgReject, ID: r.h.id, Reason: "receiver storage error"})
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

func (r *receiver) control(req controlReq) error {
	switch req.op {
	case opPause:
		if !r.paused {
			r.paused = true
			_ = r.out.send(&Message{Type: MsgPause, ID: r.h.id})
		}
	case opResume:
		if r.paused {
			r.paused = false
			r.progress = time.Now()
			_ = r.out.send(&Message{Type: MsgResume, ID: r.h.id})
		}
	case opCancel:
		_ = r.out.send(&Message{Type: MsgCancel, ID: r.h.id, Reason: "cancelled"})
		r.discard()
		req.reply <- nil
		return ErrCancelled
	}
	r.refreshState()
	req.reply <- nil
	return nil
}

func (r *receiver) onControl(m *Message) error {
	switch m.Type {
	case MsgHashList:
		r.addHashes(m)
		r.progress = time.Now()
	case MsgPause:
		r.remote = true
	case MsgResume:
		r.remote = false
		r.progress = time.Now()
	case MsgCancel:
		r.save()
		if m.Reason == reasonIntegrity {
			return fmt.Errorf("%w: cancelled by sender", ErrIntegrityFailure)
		}
		return ErrCancelled
	}
	r.refreshState()
	return nil
}

func (r *receiver) onData(f *Fragment) error {
	if !r.accepted || int(f.Chunk) >= r.offer.ChunkCount {
		return nil
	}
	if r.verified.Has(int(f.Chunk)) {
		// The sender missed our acknowledgement.
		if f.Index == 0 {
			r.acks = append(r.acks, f.Chunk)
		}
		return nil
	}

	if f.Count > r.maxFrags || len(f.Data) > r.offer.FragmentSize {
		return nil
	}

	a := r.partial[f.Chunk]
	if a == nil || a.count != f.Count {
		if a == nil && len(r.partial) >= r.maxParts {
			return nil
		}
		a = &assembly{count: f.Count, parts: make([][]byte, f.Count)}
		r.partial[f.Chunk] = a
	}
	if a.parts[f.Index] == nil {
		a.parts[f.Index] = append([]byte(nil), f.Data...)
		a.have++
		a.size += len(f.Data)
		if a.size > r.maxEnc {
			delete(r.partial, f.Chunk)
			return nil
		}
	}
	if a.have < int(a.count) {
		return nil
	}
	delete(r.partial, f.Chunk)

	enc := make([]byte, 0, a.size)
	for _, p := range a.parts {
		enc = append(enc, p...)
	}
	return r.onChunk(f.Chunk, enc)
}

func (r *receiver) onChunk(idx uint32, enc []byte) error {
	off, n := ChunkBounds(int(idx), r.offer.Size, r.offer.ChunkSize)
	data, err := decodeChunk(enc, r.offer.ChunkSize)
	if err != nil || len(data) != n || LeafHash(data) != r.hashes[idx] {
		r.e.observer.ChunkRejected()
		r.failures[idx]++
		if r.failures[idx] > r.e.cfg.MaxChunkRetries {
			_ = r.out.send(&Message{Type: MsgCancel, ID: r.h.id, Reason: reasonIntegrity})
			r.save()
			return fmt.Errorf("%w: chunk %d failed verification %d times", ErrIntegrityFailure, idx, r.failures[idx])
		}
		r.e.logger.Debug("Chunk failed verification", "transfer", r.h.id, "chunk", idx)
		return r.out.send(&Message{Type: MsgNack, ID: r.h.id, Chunks: []uint32{idx}})
	}

	if n > 0 {
		if _, err := r.file.WriteAt(data, off); err != nil {
			r.save()
			return fmt.Errorf("%w: write chunk %d: %w", ErrAborted, idx, err)
		}
	}
	r.verified.Set(int(idx))
	r.acks = append(r.acks, idx)
	r.dirty = true
	r.progress = time.Now()
	r.h.setChunks(r.verified.Count())
	r.e.observer.ChunkVerified(n)

	if len(r.acks) >= ChunksPerAck {
		return r.flush()
	}
	return nil
}

func (r *receiver) tick(now time.Time) error {
	if now.Sub(r.lastFlush) >= r.e.cfg.AckInterval {
		r.lastFlush = now
		if err := r.flush(); err != nil {
			return err
		}
	}
	if r.paused || r.remote {
		return nil
	}
	if err := r.requestHashes(now); err != nil {
		return err
	}
	if now.Sub(r.progress) > r.e.cfg.StallTimeout {
		r.save()
		return fmt.Errorf("%w: no progress for %s", ErrAborted, r.e.cfg.StallTimeout)
	}
	return nil
}

// requestHashes asks the sender again for hash lists that have not
// arrived, which happens when they were sent before the offer was
// accepted and did not fit the early message budget.
func (r *receiver) requestHashes(now time.Time) error {
	if r.accepted || r.haveHash.Full() {
		return nil
	}
	every := r.e.cfg.HashRequestInterval
	if now.Sub(r.hashSeen) < every || now.Sub(r.hashAsked) < every {
		return nil
	}
	r.hashAsked = now
	missing := r.haveHash.Missing()
	for len(missing) > 0 {
		n := min(len(missing), RangesPerMessage)
		if err := r.out.send(&Message{Type: MsgHashRequest, ID: r.h.id, Ranges: missing[:n]}); err != nil {
			return err
		}
		missing = missing[n:]
	}
	return nil
}

// flush acknowledges newly verified chunks and persists progress.
func (r *receiver) flush() error {
	if len(r.acks) > 0 {
		acks := r.acks
		r.acks = nil
		if err := r.out.send(&Message{Type: MsgAck, ID: r.h.id, Chunks: acks}); err != nil {
			return err
		}
	}
	if r.dirty {
		r.save()
	}
	return nil
}

func (r *receiver) finalize(ctx context.Context) error {
	if err := r.flush(); err != nil {
		return err
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %w", ErrAborted, err)
	}
	if err := VerifyContent(ctx, r.file, r.offer.Size, r.offer.ChunkSize, r.offer.CID); err != nil {
		_ = r.out.send(&Message{Type: MsgCancel, ID: r.h.id, Reason: reasonIntegrity})
		r.discard()
		return err
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrAborted, err)
	}
	r.file = nil
	if err := os.Rename(r.tempPath, r.dest); err != nil {
		return fmt.Errorf("%w: rename: %w", ErrAborted, err)
	}
	if err := r.e.store.Delete(r.offer.CID.String()); err != nil {
		r.e.logger.Warn("Failed to clear resume state", "cid", r.offer.CID, "error", err)
	}
	return r.out.send(&Message{Type: MsgComplete, ID: r.h.id})
}

// save persists the verified set so a later offer of the same CID resumes.
func (r *receiver) save() {
	if !r.accepted {
		return
	}
	r.dirty = false
	err := r.e.store.Save(&ResumeState{
		CID:       r.offer.CID.String(),
		Name:      r.offer.Name,
		Size:      r.offer.Size,
		ChunkSize: r.offer.ChunkSize,
		Verified:  r.verified.Bytes(),
		TempPath:  r.tempPath,
		Dest:      r.dest,
		Updated:   time.Now(),
	})
	if err != nil {
		r.e.logger.Warn("Failed to save resume state", "cid", r.offer.CID, "error", err)
	}
}

// discard drops the partial file and its resume state.
func (r *receiver) discard() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	if r.accepted {
		os.Remove(r.tempPath)
	}
	_ = r.e.store.Delete(r.offer.CID.String())
	r.accepted = false
}

func (r *receiver) refreshState() {
	switch {
	case r.paused || r.remote:
		r.h.setState(StatePaused)
	case r.accepted:
		r.h.setState(StateActive)
	default:
		r.h.setState(StatePending)
	}
}
