package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/flow"
)

// reasonIntegrity marks a Cancel caused by content that failed
// verification.
const reasonIntegrity = "integrity"

type inflight struct {
	sent     time.Time
	attempts int
	nacks    int
}

// sender pushes one manifest's chunks to a receiver, paced by an AIMD
// window and retransmitted on timeout or Nack.
type sender struct {
	e      *Engine
	c      Conn
	h      *Handle
	m      *Manifest
	r      io.ReaderAt
	closer io.Closer

	msgs   chan *Message
	out    *outbox
	window *flow.Controller
	rtt    rttEstimator

	acked    *ChunkSet
	queued   *ChunkSet
	queue    []uint32
	inflight map[uint32]*inflight

	accepted       bool
	paused         bool
	remotePaused   bool
	compress       bool
	offerDeadline  time.Time
	finishDeadline time.Time
	frame          []byte
}

func newSender(e *Engine, c Conn, m *Manifest, r io.ReaderAt, closer io.Closer) *sender {
	total := len(m.Hashes)
	return &sender{
		e:        e,
		c:        c,
		h:        newHandle(uuid.New(), m.CID, c.PeerID(), Outgoing, m.Name, m.Size, m.ChunkSize),
		m:        m,
		r:        r,
		closer:   closer,
		msgs:     make(chan *Message, 64),
		out:      newOutbox(c),
		window:   flow.NewController(e.cfg.InitialWindow, e.cfg.MinWindow, e.cfg.MaxWindow),
		rtt:      rttEstimator{initial: e.cfg.ChunkRTO, max: e.cfg.MaxChunkRTO},
		acked:    NewChunkSet(total),
		queued:   NewChunkSet(total),
		inflight: make(map[uint32]*inflight),
		compress: e.cfg.Compression,
		frame:    make([]byte, 0, FragmentHeaderSize+e.cfg.FragmentSize),
	}
}

func (s *sender) handle() *Handle { return s.h }
func (s *sender) conn() Conn      { return s.c }

func (s *sender) onMessage(m *Message) {
	select {
	case s.msgs <- m:
	case <-s.h.done:
	}
}

func (s *sender) onFragment(*Fragment) {}

func (s *sender) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	go s.out.run(ctx)
	defer func() {
		s.out.shutdown(time.Second)
		cancel()
		s.window.Close()
		if s.closer != nil {
			s.closer.Close()
		}
	}()

	if err := s.offer(); err != nil {
		return err
	}
	s.offerDeadline = time.Now().Add(s.e.cfg.OfferTimeout)

	ticker := time.NewTicker(s.e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrAborted, ErrEngineClosed)
		case <-s.c.Done():
			return fmt.Errorf("%w: session closed", ErrAborted)
		case req := <-s.h.ctrl:
			if err := s.control(req); err != nil {
				return err
			}
		case m := <-s.msgs:
			if done, err := s.onControl(m); done {
				return err
			}
		case now := <-ticker.C:
			if err := s.tick(now); err != nil {
				return err
			}
		}
		if err := s.out.failed(); err != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
		if err := s.pump(ctx); err != nil {
			return err
		}
	}
}

func (s *sender) offer() error {
	if s.compress {
		s.compress = compressible(s.r, s.m)
	}
	enc := CompressionNone
	if s.compress {
		enc = CompressionZstd
	}
	err := s.out.send(&Message{
		Type:         MsgOffer,
		ID:           s.h.id,
		CID:          s.m.CID.Bytes(),
		Name:         s.m.Name,
		Size:         s.m.Size,
		ChunkSize:    uint32(s.m.ChunkSize),
		ChunkCount:   uint32(len(s.m.Hashes)),
		Compression:  enc,
		FragmentSize: uint32(s.e.cfg.FragmentSize),
	})
	if err != nil {
		return err
	}
	return s.sendHashes(0, len(s.m.Hashes))
}

// sendHashes sends the hash lists covering chunks [start, end).
func (s *sender) sendHashes(start, end int) error {
	end = min(end, len(s.m.Hashes))
	for ; start < end; start += HashesPerMessage {
		stop := min(start+HashesPerMessage, end)
		hashes := make([][]byte, 0, stop-start)
		for i := start; i < stop; i++ {
			hashes = append(hashes, s.m.Hashes[i][:])
		}
		err := s.out.send(&Message{Type: MsgHashList, ID: s.h.id, Start: uint32(start), Hashes: hashes})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sender) control(req controlReq) error {
	switch req.op {
	case opPause:
		if !s.paused {
			s.paused = true
			_ = s.out.send(&Message{Type: MsgPause, ID: s.h.id})
		}
	case opResume:
		if s.paused {
			s.paused = false
			s.restamp()
			_ = s.out.send(&Message{Type: MsgResume, ID: s.h.id})
		}
	case opCancel:
		_ = s.out.send(&Message{Type: MsgCancel, ID: s.h.id, Reason: "cancelled"})
		req.reply <- nil
		return ErrCancelled
	}
	s.refreshState()
	req.reply <- nil
	return nil
}

// onControl handles a receiver message. done reports that the transfer is
// over, with err as its outcome.
func (s *sender) onControl(m *Message) (done bool, err error) {
	now := time.Now()
	switch m.Type {
	case MsgHashRequest:
		for _, r := range m.Ranges {
			if r.Start >= r.End {
				continue
			}
			if err := s.sendHashes(int(r.Start), int(r.End)); err != nil {
				return true, fmt.Errorf("%w: %w", ErrAborted, err)
			}
		}
	case MsgRequest:
		s.accepted = true
		for _, r := range m.Ranges {
			if r.End > uint32(s.acked.Len()) || r.Start > r.End {
				continue
			}
			for c := r.Start; c < r.End; c++ {
				if s.acked.Has(int(c)) || s.queued.Has(int(c)) || s.inflight[c] != nil {
					continue
				}
				s.queued.Set(int(c))
				s.queue = append(s.queue, c)
			}
		}
	case MsgAck:
		s.accepted = true
		for _, c := range m.Chunks {
			s.ack(c, now)
		}
		s.h.setChunks(s.acked.Count())
		if s.acked.Full() && s.finishDeadline.IsZero() {
			s.finishDeadline = now.Add(s.e.cfg.CompleteTimeout)
		}
	case MsgNack:
		for _, c := range m.Chunks {
			in := s.inflight[c]
			if in == nil {
				continue
			}
			in.nacks++
			if in.nacks > s.e.cfg.MaxChunkRetries {
				_ = s.out.send(&Message{Type: MsgCancel, ID: s.h.id, Reason: reasonIntegrity})
				return true, fmt.Errorf("%w: chunk %d rejected %d times", ErrIntegrityFailure, c, in.nacks)
			}
			if err := s.sendChunk(c, true); err != nil {
				return true, err
			}
			in.sent = now
		}
	case MsgPause:
		s.remotePaused = true
	case MsgResume:
		s.remotePaused = false
		s.restamp()
	case MsgCancel:
		if m.Reason == reasonIntegrity {
			return true, fmt.Errorf("%w: rejected by receiver", ErrIntegrityFailure)
		}
		return true, ErrCancelled
	case MsgReject:
		return true, fmt.Errorf("%w: %s", ErrRejected, m.Reason)
	case MsgComplete:
		if !s.acked.Full() {
			s.e.logger.Warn("Receiver completed before every chunk was acknowledged",
				"transfer", s.h.id, "acked", s.acked.Count())
		}
		s.h.setChunks(s.acked.Len())
		return true, nil
	}
	s.refreshState()
	return false, nil
}

func (s *sender) ack(c uint32, now time.Time) {
	if int(c) >= s.acked.Len() || s.acked.Has(int(c)) {
		return
	}
	s.acked.Set(int(c))
	if s.queued.Has(int(c)) {
		s.queued.Clear(int(c))
	}
	if in, ok := s.inflight[c]; ok {
		delete(s.inflight, c)
		s.window.OnAck()
		if in.attempts == 1 && in.nacks == 0 {
			s.rtt.observe(now.Sub(in.sent))
		}
	}
}

// pump sends queued chunks while the window has room.
func (s *sender) pump(ctx context.Context) error {
	if !s.accepted || s.paused || s.remotePaused {
		return nil
	}
	for len(s.queue) > 0 {
		c := s.queue[0]
		if !s.queued.Has(int(c)) {
			s.queue = s.queue[1:]
			continue
		}
		if !s.window.TryAcquire() {
			return nil
		}
		s.queue = s.queue[1:]
		s.queued.Clear(int(c))
		if err := s.sendChunk(c, false); err != nil {
			return err
		}
		s.inflight[c] = &inflight{sent: time.Now(), attempts: 1}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (s *sender) tick(now time.Time) error {
	if !s.accepted {
		if now.After(s.offerDeadline) {
			return fmt.Errorf("%w: offer not accepted within %s", ErrAborted, s.e.cfg.OfferTimeout)
		}
		return nil
	}
	if !s.finishDeadline.IsZero() && now.After(s.finishDeadline) {
		return fmt.Errorf("%w: receiver did not confirm completion", ErrAborted)
	}
	if s.paused || s.remotePaused {
		return nil
	}
	for c, in := range s.inflight {
		if now.Sub(in.sent) < s.rtt.timeout(in.attempts) {
			continue
		}
		if in.attempts > s.e.cfg.MaxChunkRetries {
			return fmt.Errorf("%w: chunk %d unacknowledged after %d attempts", ErrAborted, c, in.attempts)
		}
		s.window.OnLoss()
		if err := s.sendChunk(c, true); err != nil {
			return err
		}
		in.attempts++
		in.sent = now
		s.h.addRetransmit()
	}
	return nil
}

func (s *sender) sendChunk(c uint32, retransmit bool) error {
	data, err := ReadChunk(s.r, int(c), s.m.Size, s.m.ChunkSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	enc := encodeChunk(data, s.compress)
	count := fragmentCount(len(enc), s.e.cfg.FragmentSize)
	for i := 0; i < count; i++ {
		lo := i * s.e.cfg.FragmentSize
		hi := min(lo+s.e.cfg.FragmentSize, len(enc))
		s.frame = AppendFragment(s.frame[:0], &Fragment{
			ID:    s.h.id,
			Chunk: c,
			Index: uint16(i),
			Count: uint16(count),
			Data:  enc[lo:hi],
		})
		if err := s.c.Send(s.e.ctx, s.frame); err != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
	s.e.observer.ChunkSent(len(data), retransmit)
	return nil
}

// restamp restarts retransmission timers after a pause.
func (s *sender) restamp() {
	now := time.Now()
	for _, in := range s.inflight {
		in.sent = now
	}
}

func (s *sender) refreshState() {
	switch {
	case s.paused || s.remotePaused:
		s.h.setState(StatePaused)
	case s.accepted:
		s.h.setState(StateActive)
	default:
		s.h.setState(StatePending)
	}
}

// compressible samples the first chunk and reports whether zstd shrinks it.
func compressible(r io.ReaderAt, m *Manifest) bool {
	chunk, err := ReadChunk(r, 0, m.Size, m.ChunkSize)
	if err != nil || len(chunk) == 0 {
		return false
	}
	enc := encodeChunk(chunk, true)
	return enc[0] == encodingZstd && len(enc) < len(chunk)*9/10
}
