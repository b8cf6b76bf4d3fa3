// Package otel provides OpenTelemetry tracing for WRAITH nodes.
//
// # Span Hierarchy
//
//	wraith.establish_session
//	├── wraith.dht.lookup        (when the peer's addresses are unknown)
//	├── wraith.path              (direct, punched or relayed)
//	└── wraith.handshake
//
//	wraith.transfer              (one per SendFile or Receive)
//	wraith.dht.announce
//	wraith.nat.detect
//
// # Attributes
//
//   - peer.id: the remote peer
//   - path.kind: direct, punched or relayed
//   - nat.type: the detected NAT type
//   - content.cid: the content identifier of a transfer or announcement
//   - transfer.direction: send or receive
//   - transfer.size: content size in bytes
//   - handshake.result: success, failure or timeout
//
// # Example Usage
//
//	tracer := wotel.NewTracer(otel.GetTracerProvider())
//	cfg := wraith.NewConfig(key, listen, wraith.WithTracer(tracer))
package otel

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation name.
	TracerName = "github.com/doublegate/WRAITH-Protocol-sub010"

	SpanEstablish = "wraith.establish_session"
	SpanPath      = "wraith.path"
	SpanHandshake = "wraith.handshake"
	SpanLookup    = "wraith.dht.lookup"
	SpanAnnounce  = "wraith.dht.announce"
	SpanTransfer  = "wraith.transfer"
	SpanDetectNAT = "wraith.nat.detect"

	AttrPeerID            = "peer.id"
	AttrPathKind          = "path.kind"
	AttrNATType           = "nat.type"
	AttrCID               = "content.cid"
	AttrTransferDirection = "transfer.direction"
	AttrTransferSize      = "transfer.size"
	AttrHandshakeResult   = "handshake.result"
	AttrAttempt           = "attempt"
	AttrErrorMessage      = "error.message"
)

// Tracer creates WRAITH spans. It is safe for concurrent use.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from provider. A nil provider traces
// nothing.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(TracerName)}
}

// StartEstablish starts the span covering EstablishSession.
func (t *Tracer) StartEstablish(ctx context.Context, p peer.ID) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanEstablish,
		trace.WithAttributes(attribute.String(AttrPeerID, p.String())),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartPath starts a path establishment span.
func (t *Tracer) StartPath(ctx context.Context, p peer.ID) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanPath,
		trace.WithAttributes(attribute.String(AttrPeerID, p.String())),
	)
}

// StartHandshake starts a handshake span for one attempt.
func (t *Tracer) StartHandshake(ctx context.Context, p peer.ID, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanHandshake,
		trace.WithAttributes(
			attribute.String(AttrPeerID, p.String()),
			attribute.Int(AttrAttempt, attempt),
		),
	)
}

// StartLookup starts a DHT lookup span. target is a peer ID or CID.
func (t *Tracer) StartLookup(ctx context.Context, target string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanLookup,
		trace.WithAttributes(attribute.String(AttrPeerID, target)),
	)
}

// StartAnnounce starts a provider announcement span.
func (t *Tracer) StartAnnounce(ctx context.Context, cid string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanAnnounce,
		trace.WithAttributes(attribute.String(AttrCID, cid)),
	)
}

// StartTransfer starts a transfer span.
func (t *Tracer) StartTransfer(ctx context.Context, p peer.ID, direction string) (context.Context, trace.Span) {
	kind := trace.SpanKindProducer
	if direction == "receive" {
		kind = trace.SpanKindConsumer
	}
	return t.tracer.Start(ctx, SpanTransfer,
		trace.WithAttributes(
			attribute.String(AttrPeerID, p.String()),
			attribute.String(AttrTransferDirection, direction),
		),
		trace.WithSpanKind(kind),
	)
}

// StartDetectNAT starts a NAT detection span.
func (t *Tracer) StartDetectNAT(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanDetectNAT)
}

// RecordPath annotates span with the established path kind.
func (t *Tracer) RecordPath(span trace.Span, kind string) {
	span.SetAttributes(attribute.String(AttrPathKind, kind))
}

// RecordNATType annotates span with a detected NAT type.
func (t *Tracer) RecordNATType(span trace.Span, natType string) {
	span.SetAttributes(attribute.String(AttrNATType, natType))
}

// RecordTransfer annotates span with the content being moved.
func (t *Tracer) RecordTransfer(span trace.Span, cid string, size uint64) {
	span.SetAttributes(
		attribute.String(AttrCID, cid),
		attribute.Int64(AttrTransferSize, int64(size)),
	)
}

// RecordHandshakeResult records a handshake outcome on span.
func (t *Tracer) RecordHandshakeResult(span trace.Span, result string, err error) {
	span.SetAttributes(attribute.String(AttrHandshakeResult, result))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrErrorMessage, err.Error()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// RecordError marks span failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// EndSpan ends span, recording err if set.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	t.RecordError(span, err)
	span.End()
}
