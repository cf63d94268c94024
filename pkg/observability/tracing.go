package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer for capture operations.
	TracerName = "capture"
)

// Span attribute keys
const (
	AttrSessionID     = "session_id"
	AttrPhase         = "phase"
	AttrVariant       = "ui_variant"
	AttrFields        = "fields"
	AttrTriggerExport = "trigger_export"
	AttrEntries       = "transcript_entries"
	AttrChatMessages  = "chat_messages"
	AttrErrorCode     = "error_code"
)

// Span names
const (
	SpanSession  = "capture.session"
	SpanActivate = "capture.activate"
	SpanEnd      = "capture.end"
	SpanPersist  = "capture.persist"
	SpanExport   = "capture.export"
)

// Tracer provides distributed tracing for capture operations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new capture tracer.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(TracerName),
	}
}

// StartSessionSpan starts the root span for one capture session.
func (t *Tracer) StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanSession,
		trace.WithAttributes(attribute.String(AttrSessionID, sessionID)),
	)
}

// StartTransitionSpan starts a span for a lifecycle transition.
func (t *Tracer) StartTransitionSpan(ctx context.Context, name, phase string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String(AttrPhase, phase)),
	)
}

// StartPersistSpan starts a span for one persist call.
func (t *Tracer) StartPersistSpan(ctx context.Context, fields []string, triggerExport bool) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanPersist,
		trace.WithAttributes(
			attribute.StringSlice(AttrFields, fields),
			attribute.Bool(AttrTriggerExport, triggerExport),
		),
	)
}

// StartExportSpan starts a span for writing an export document.
func (t *Tracer) StartExportSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanExport,
		trace.WithAttributes(attribute.String(AttrSessionID, sessionID)),
	)
}

// SpanHelper provides convenient methods for working with the current span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetCounts records transcript and chat sizes.
func (h *SpanHelper) SetCounts(entries, chatMessages int) {
	h.span.SetAttributes(
		attribute.Int(AttrEntries, entries),
		attribute.Int(AttrChatMessages, chatMessages),
	)
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, code string) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(attribute.String(AttrErrorCode, code))
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}
