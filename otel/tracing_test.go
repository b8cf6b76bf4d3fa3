package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracer(tp), exporter
}

func hasAttr(attrs []attribute.KeyValue, key, value string) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.Emit() == value {
			return true
		}
	}
	return false
}

func TestNewTracer_NilProvider(t *testing.T) {
	tracer := NewTracer(nil)
	if tracer == nil || tracer.tracer == nil {
		t.Fatal("NewTracer(nil) must return a usable tracer")
	}
	_, span := tracer.StartEstablish(context.Background(), peer.ID("p"))
	tracer.EndSpan(span, errors.New("ignored"))
}

func TestTracer_SpanNames(t *testing.T) {
	tracer, exporter := newRecorder(t)
	ctx := context.Background()
	p := peer.ID("test-peer")

	starts := []struct {
		name  string
		start func() (context.Context, trace.Span)
	}{
		{SpanEstablish, func() (context.Context, trace.Span) { c, s := tracer.StartEstablish(ctx, p); return c, s }},
		{SpanPath, func() (context.Context, trace.Span) { c, s := tracer.StartPath(ctx, p); return c, s }},
		{SpanHandshake, func() (context.Context, trace.Span) { c, s := tracer.StartHandshake(ctx, p, 1); return c, s }},
		{SpanLookup, func() (context.Context, trace.Span) { c, s := tracer.StartLookup(ctx, "target"); return c, s }},
		{SpanAnnounce, func() (context.Context, trace.Span) { c, s := tracer.StartAnnounce(ctx, "cid"); return c, s }},
		{SpanTransfer, func() (context.Context, trace.Span) { c, s := tracer.StartTransfer(ctx, p, "send"); return c, s }},
		{SpanDetectNAT, func() (context.Context, trace.Span) { c, s := tracer.StartDetectNAT(ctx); return c, s }},
	}
	for _, tt := range starts {
		exporter.Reset()
		c, span := tt.start()
		span.End()
		if c == nil {
			t.Errorf("%s: nil context", tt.name)
		}
		spans := exporter.GetSpans()
		if len(spans) != 1 || spans[0].Name != tt.name {
			t.Errorf("expected one %s span, got %v", tt.name, spans)
		}
	}
}

func TestTracer_Attributes(t *testing.T) {
	tracer, exporter := newRecorder(t)
	p := peer.ID("test-peer")

	_, span := tracer.StartEstablish(context.Background(), p)
	tracer.RecordPath(span, "relayed")
	tracer.RecordNATType(span, "symmetric")
	span.End()

	attrs := exporter.GetSpans()[0].Attributes
	if !hasAttr(attrs, AttrPeerID, p.String()) {
		t.Error("peer.id attribute not found")
	}
	if !hasAttr(attrs, AttrPathKind, "relayed") {
		t.Error("path.kind attribute not found")
	}
	if !hasAttr(attrs, AttrNATType, "symmetric") {
		t.Error("nat.type attribute not found")
	}

	exporter.Reset()
	_, span = tracer.StartTransfer(context.Background(), p, "receive")
	tracer.RecordTransfer(span, "bafk", 1024)
	span.End()
	attrs = exporter.GetSpans()[0].Attributes
	if !hasAttr(attrs, AttrCID, "bafk") || !hasAttr(attrs, AttrTransferSize, "1024") {
		t.Errorf("transfer attributes missing: %v", attrs)
	}
}

func TestTracer_RecordHandshakeResult(t *testing.T) {
	tracer, exporter := newRecorder(t)
	p := peer.ID("test-peer")

	_, span := tracer.StartHandshake(context.Background(), p, 1)
	tracer.RecordHandshakeResult(span, "success", nil)
	span.End()
	if got := exporter.GetSpans()[0].Status.Code; got != codes.Ok {
		t.Errorf("status code = %v, want Ok", got)
	}

	exporter.Reset()
	_, span = tracer.StartHandshake(context.Background(), p, 2)
	tracer.RecordHandshakeResult(span, "failure", errors.New("authentication failed"))
	span.End()
	if got := exporter.GetSpans()[0].Status.Code; got != codes.Error {
		t.Errorf("status code = %v, want Error", got)
	}
}

func TestTracer_EndSpan(t *testing.T) {
	tracer, exporter := newRecorder(t)

	_, span := tracer.StartDetectNAT(context.Background())
	tracer.EndSpan(span, nil)
	if got := exporter.GetSpans()[0].Status.Code; got == codes.Error {
		t.Error("span without error marked failed")
	}

	exporter.Reset()
	_, span = tracer.StartDetectNAT(context.Background())
	tracer.EndSpan(span, errors.New("no reflector answered"))
	spans := exporter.GetSpans()
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("error event not recorded")
	}
}
