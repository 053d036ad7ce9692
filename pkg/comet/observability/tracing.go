package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer resolves the global provider on every call so that a provider
// installed after package init is honored.
func tracer() trace.Tracer {
	return otel.Tracer("comet")
}

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartIngestSpan starts a span for ingesting one raw message.
	StartIngestSpan(ctx context.Context, sourceType, messageID string) (context.Context, trace.Span)

	// StartDispatchSpan starts a span for routing one group generation.
	StartDispatchSpan(ctx context.Context, sourceType, fingerprint string, generation int64) (context.Context, trace.Span)

	// StartEscalationSpan starts a span for one escalation batch.
	StartEscalationSpan(ctx context.Context, sourceType string, groups int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartIngestSpan starts a span for ingesting one raw message.
func (m *otelSpanManager) StartIngestSpan(ctx context.Context, sourceType, messageID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "comet.ingest",
		trace.WithAttributes(
			attribute.String("comet.source_type", sourceType),
			attribute.String("messaging.message.id", messageID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartDispatchSpan starts a span for routing one group generation.
func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, sourceType, fingerprint string, generation int64) (context.Context, trace.Span) {
	return tracer().Start(ctx, "comet.dispatch",
		trace.WithAttributes(
			attribute.String("comet.source_type", sourceType),
			attribute.String("comet.fingerprint", fingerprint),
			attribute.Int64("comet.generation", generation),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartEscalationSpan starts a span for one escalation batch.
func (m *otelSpanManager) StartEscalationSpan(ctx context.Context, sourceType string, groups int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "comet.escalate",
		trace.WithAttributes(
			attribute.String("comet.source_type", sourceType),
			attribute.Int("comet.groups", groups),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
