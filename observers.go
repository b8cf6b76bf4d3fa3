package wraith

import (
	"errors"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/dht"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/session"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transfer"
)

// sessionObserver turns session lifecycle callbacks into metrics, peer
// stats and events.
type sessionObserver struct{ n *Node }

var _ session.HandshakeObserver = sessionObserver{}

// StateChanged reports outbound sessions, which stay Handshaking until
// the responder's first frame. Responder sessions start Established and
// are reported by HandshakeCompleted.
func (o sessionObserver) StateChanged(s *session.Session, from, to session.State) {
	if from == session.StateHandshaking && to == session.StateEstablished {
		o.opened(s.PeerID(), true)
	}
}

func (o sessionObserver) opened(p peer.ID, outbound bool) {
	direction := "inbound"
	if outbound {
		direction = "outbound"
	}
	o.n.metrics.SessionOpened(direction)
	o.n.stats(p).RecordSessionStart(outbound)
	o.n.emit(Event{Kind: EventSessionEstablished, PeerID: p})
}

func (o sessionObserver) RekeyCompleted(s *session.Session, epoch uint16) {
	o.n.metrics.RekeyCompleted()
	o.n.emit(Event{Kind: EventRekeyed, PeerID: s.PeerID(), Epoch: epoch})
}

func (o sessionObserver) AuthFailure(s *session.Session) {
	o.n.metrics.AuthFailure()
	o.n.logger.Debug("Frame failed authentication", "peer", s.PeerID())
}

func (o sessionObserver) Closed(s *session.Session, err error) {
	o.n.metrics.SessionClosed(closeReason(err))
	o.n.stats(s.PeerID()).RecordSessionEnd()
	e := Event{Kind: EventSessionClosed, PeerID: s.PeerID()}
	if err != nil && !errors.Is(err, session.ErrClosed) && !errors.Is(err, session.ErrClosedByPeer) {
		e.Error = classify(err, s.PeerID())
		o.n.logger.Warn("Session terminated", "peer", s.PeerID(), "error", err)
	}
	o.n.emit(e)
}

func (o sessionObserver) HandshakeCompleted(p peer.ID, initiator bool, d time.Duration) {
	o.n.metrics.HandshakeResult("success")
	o.n.metrics.HandshakeDuration(d.Seconds())
	if !initiator {
		o.opened(p, false)
	}
}

func (o sessionObserver) HandshakeFailed(addr net.Addr, err error) {
	o.n.metrics.HandshakeResult(handshakeResult(err))
	if errors.Is(err, handshake.ErrAuthenticationFailed) || errors.Is(err, handshake.ErrMalformed) {
		o.n.logger.Warn("Handshake rejected", "addr", addr.String(), "error", err)
	}
}

func closeReason(err error) string {
	switch {
	case err == nil, errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrClosedByPeer),
		errors.Is(err, session.ErrManagerClosed), errors.Is(err, session.ErrReplaced):
		return "closed"
	case errors.Is(err, session.ErrIdleTimeout):
		return "idle"
	case errors.Is(err, session.ErrPeerUnresponsive):
		return "unresponsive"
	case errors.Is(err, session.ErrTooManyAuthFailures):
		return "auth"
	default:
		return "other"
	}
}

// transferObserver reports transfer progress.
type transferObserver struct{ n *Node }

var _ transfer.Observer = transferObserver{}

func direction(h *transfer.Handle) string {
	if h.Direction() == transfer.Outgoing {
		return "send"
	}
	return "receive"
}

func (o transferObserver) TransferStarted(h *transfer.Handle) {
	o.n.metrics.TransferStarted(direction(h))
	o.n.emit(Event{Kind: EventTransferStarted, PeerID: h.Peer(), Transfer: h.ID(), CID: h.CID()})
}

func (o transferObserver) TransferFinished(h *transfer.Handle, err error) {
	e := Event{PeerID: h.Peer(), Transfer: h.ID(), CID: h.CID()}
	switch {
	case err == nil:
		o.n.metrics.TransferFinished(direction(h), "completed")
		o.n.stats(h.Peer()).RecordTransfer(h.Direction() == transfer.Outgoing, h.Size())
		e.Kind = EventTransferCompleted
	case errors.Is(err, transfer.ErrCancelled):
		o.n.metrics.TransferFinished(direction(h), "cancelled")
		e.Kind, e.Error = EventTransferFailed, classify(err, h.Peer())
	default:
		o.n.metrics.TransferFinished(direction(h), "failed")
		e.Kind, e.Error = EventTransferFailed, classify(err, h.Peer())
	}
	o.n.emit(e)
}

func (o transferObserver) ChunkSent(bytes int, retransmit bool) {
	o.n.metrics.ChunkSent(bytes, retransmit)
}

func (o transferObserver) ChunkVerified(bytes int) {
	o.n.metrics.ChunkVerified(bytes)
}

func (o transferObserver) ChunkRejected() {
	o.n.metrics.ChunkRejected()
}

// dhtObserver reports DHT activity.
type dhtObserver struct{ n *Node }

var _ dht.Observer = dhtObserver{}

func (o dhtObserver) QuerySent(t dht.MsgType)   { o.n.metrics.DHTQuery(t.String(), "sent") }
func (o dhtObserver) QueryFailed(t dht.MsgType) { o.n.metrics.DHTQuery(t.String(), "failed") }
func (o dhtObserver) LookupCompleted(rounds int, found bool) {
	o.n.metrics.LookupCompleted(rounds, found)
}
func (o dhtObserver) TableSize(n int)  { o.n.metrics.RoutingTableSize(n) }
func (o dhtObserver) RequestDropped() { o.n.metrics.DHTRequestDropped() }
