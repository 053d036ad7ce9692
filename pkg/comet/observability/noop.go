package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordIngest does nothing.
func (NoopMetrics) RecordIngest(context.Context, string, string) {}

// RecordQuarantine does nothing.
func (NoopMetrics) RecordQuarantine(context.Context, string, string) {}

// RecordDispatch does nothing.
func (NoopMetrics) RecordDispatch(context.Context, string, time.Duration, error) {}

// RecordEscalation does nothing.
func (NoopMetrics) RecordEscalation(context.Context, string, int, error) {}

// RecordAcknowledge does nothing.
func (NoopMetrics) RecordAcknowledge(context.Context, string, bool) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartIngestSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartIngestSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartDispatchSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartDispatchSpan(ctx context.Context, _, _ string, _ int64) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartEscalationSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartEscalationSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
