// Package observability provides structured logging, metrics and tracing
// for the correlation engine.
//
// Features:
//   - Structured logging via slog, bridged to OpenTelemetry when exporting
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds group context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "forseti", "forseti_ab12", 2)
//	enriched.Info("dispatching") // includes source_type, fingerprint, generation
func EnrichLogger(logger *slog.Logger, sourceType, fingerprint string, generation int64) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("source_type", sourceType),
		slog.String("fingerprint", fingerprint),
		slog.Int64("generation", generation),
	)
}

// LogIngested logs a record joining its group.
func LogIngested(logger *slog.Logger, recordID, state string, members int) {
	if logger == nil {
		return
	}
	logger.Debug("event ingested",
		slog.String("record_id", recordID),
		slog.String("state", state),
		slog.Int("members", members),
	)
}

// LogQuarantined logs a message that could not be ingested.
func LogQuarantined(logger *slog.Logger, sourceType, messageID, reason string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("message quarantined",
		slog.String("source_type", sourceType),
		slog.String("message_id", messageID),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}

// LogDispatched logs a successful routing call.
func LogDispatched(logger *slog.Logger, owner string, members int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("group routed",
		slog.String("owner", owner),
		slog.Int("members", members),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDispatchError logs a routing call that exhausted its retries.
func LogDispatchError(logger *slog.Logger, err error, attempts int, retryAt time.Time) {
	if logger == nil {
		return
	}
	logger.Error("group dispatch failed",
		slog.String("error", err.Error()),
		slog.Int("attempts", attempts),
		slog.Time("retry_at", retryAt),
	)
}

// LogEscalated logs an escalation batch.
func LogEscalated(logger *slog.Logger, sourceType string, groups, events int) {
	if logger == nil {
		return
	}
	logger.Info("groups escalated",
		slog.String("source_type", sourceType),
		slog.Int("groups", groups),
		slog.Int("events", events),
	)
}

// LogEscalationError logs a failed escalation batch (non-fatal).
func LogEscalationError(logger *slog.Logger, sourceType string, groups int, err error) {
	if logger == nil {
		return
	}
	logger.Error("escalation failed",
		slog.String("source_type", sourceType),
		slog.Int("groups", groups),
		slog.String("error", err.Error()),
	)
}

// LogStateConflict logs a superseded timer being reconciled.
func LogStateConflict(logger *slog.Logger, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("stale timer reconciled",
		slog.String("reason", reason),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
