package main

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/comet/internal/notify"
	"github.com/randalmurphal/comet/internal/sources"
	"github.com/randalmurphal/comet/pkg/comet"
	"github.com/randalmurphal/comet/pkg/comet/observability"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// buildConfig registers the built-in sources with the notifier and the
// configured timing.
func buildConfig(s *settings, logger *slog.Logger) (*comet.Config, error) {
	sender, err := s.sender(logger)
	if err != nil {
		return nil, err
	}
	n := notify.New(sender)

	b := comet.NewBuilder()
	for _, src := range sources.All(s.domainOwners()) {
		b.RegisterSource(src)
	}
	return b.
		ConfigureAll(s.Sources).
		WithRouter(n).
		WithEscalator(n).
		WithRetry(s.retry()).
		WithRetryCycle(s.Engine.RetryCycle).
		WithEscalationInterval(s.Engine.EscalationInterval).
		Build()
}

// buildEngine creates an engine over st.
func buildEngine(s *settings, st store.Store, logger *slog.Logger) (*comet.Engine, error) {
	cfg, err := buildConfig(s, logger)
	if err != nil {
		return nil, err
	}

	opts := []comet.Option{
		comet.WithLogger(logger),
		comet.WithErrorReporter(func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "operator attention required", slog.String("error", err.Error()))
		}),
	}
	if s.telemetry().Enabled() {
		opts = append(opts,
			comet.WithMetrics(observability.NewMetricsRecorder()),
			comet.WithSpanManager(observability.NewSpanManager()),
		)
	}
	return comet.NewEngine(cfg, st, opts...), nil
}
