package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordIngest records an ingested record and what happened to its
	// group (created, appended, late, reopened, duplicate).
	RecordIngest(ctx context.Context, sourceType, outcome string)

	// RecordQuarantine records a quarantined message.
	RecordQuarantine(ctx context.Context, sourceType, reason string)

	// RecordDispatch records one routing cycle with its duration and error status.
	RecordDispatch(ctx context.Context, sourceType string, duration time.Duration, err error)

	// RecordEscalation records one escalation batch.
	RecordEscalation(ctx context.Context, sourceType string, groups int, err error)

	// RecordAcknowledge records an acknowledgement and whether it applied.
	RecordAcknowledge(ctx context.Context, sourceType string, applied bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	ingested        metric.Int64Counter
	quarantined     metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	dispatchErrors  metric.Int64Counter
	escalatedGroups metric.Int64Counter
	escalateErrors  metric.Int64Counter
	acknowledged    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("comet"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	var m otelMetrics
	var err error

	if m.ingested, err = meter.Int64Counter("comet.events.ingested",
		metric.WithDescription("Number of records added to groups"),
	); err != nil {
		return nil, err
	}
	if m.quarantined, err = meter.Int64Counter("comet.events.quarantined",
		metric.WithDescription("Number of raw messages quarantined"),
	); err != nil {
		return nil, err
	}
	if m.dispatches, err = meter.Int64Counter("comet.dispatch.calls",
		metric.WithDescription("Number of routing cycles"),
	); err != nil {
		return nil, err
	}
	if m.dispatchLatency, err = meter.Float64Histogram("comet.dispatch.latency_ms",
		metric.WithDescription("Routing cycle latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.dispatchErrors, err = meter.Int64Counter("comet.dispatch.errors",
		metric.WithDescription("Number of routing cycles that exhausted their retries"),
	); err != nil {
		return nil, err
	}
	if m.escalatedGroups, err = meter.Int64Counter("comet.escalation.groups",
		metric.WithDescription("Number of groups escalated"),
	); err != nil {
		return nil, err
	}
	if m.escalateErrors, err = meter.Int64Counter("comet.escalation.errors",
		metric.WithDescription("Number of failed escalation batches"),
	); err != nil {
		return nil, err
	}
	if m.acknowledged, err = meter.Int64Counter("comet.acknowledgements",
		metric.WithDescription("Number of acknowledgement calls"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderFromMeter returns a recorder bound to meter.
func NewMetricsRecorderFromMeter(meter metric.Meter) (MetricsRecorder, error) {
	return newOtelMetrics(meter)
}

func sourceAttr(sourceType string) attribute.KeyValue {
	return attribute.String("source_type", sourceType)
}

// RecordIngest records an ingested record.
func (m *otelMetrics) RecordIngest(ctx context.Context, sourceType, outcome string) {
	m.ingested.Add(ctx, 1, metric.WithAttributes(sourceAttr(sourceType), attribute.String("outcome", outcome)))
}

// RecordQuarantine records a quarantined message.
func (m *otelMetrics) RecordQuarantine(ctx context.Context, sourceType, reason string) {
	m.quarantined.Add(ctx, 1, metric.WithAttributes(sourceAttr(sourceType), attribute.String("reason", reason)))
}

// RecordDispatch records a routing cycle.
func (m *otelMetrics) RecordDispatch(ctx context.Context, sourceType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(sourceAttr(sourceType), attribute.Bool("success", err == nil))
	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(sourceAttr(sourceType)))
	}
}

// RecordEscalation records an escalation batch.
func (m *otelMetrics) RecordEscalation(ctx context.Context, sourceType string, groups int, err error) {
	if err != nil {
		m.escalateErrors.Add(ctx, 1, metric.WithAttributes(sourceAttr(sourceType)))
		return
	}
	m.escalatedGroups.Add(ctx, int64(groups), metric.WithAttributes(sourceAttr(sourceType)))
}

// RecordAcknowledge records an acknowledgement call.
func (m *otelMetrics) RecordAcknowledge(ctx context.Context, sourceType string, applied bool) {
	m.acknowledged.Add(ctx, 1, metric.WithAttributes(sourceAttr(sourceType), attribute.Bool("applied", applied)))
}
