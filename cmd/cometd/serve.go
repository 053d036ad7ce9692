package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/comet/pkg/comet/api"
	"github.com/randalmurphal/comet/pkg/comet/input"
	"github.com/randalmurphal/comet/pkg/comet/input/natsjs"
	"github.com/randalmurphal/comet/pkg/comet/input/redisstream"
	"github.com/randalmurphal/comet/pkg/comet/observability"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, its inputs and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s)
		},
	}
}

func serve(parent context.Context, s *settings) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry must be installed before the logger, which bridges to it.
	telemetry, err := observability.SetupTelemetry(ctx, s.telemetry())
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger := observability.NewLogger(s.logConfig(), os.Stderr)
	slog.SetDefault(logger)

	st, err := openStore(ctx, s)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	engine, err := buildEngine(s, st, logger)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Stop()

	inputs, closeInputs, err := openInputs(ctx, s, logger)
	defer closeInputs()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := in.Run(ctx, engine); err != nil {
				logger.Error("input stopped", slog.String("input", in.Name()), slog.String("error", err.Error()))
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	apiCfg := api.Config{Token: s.HTTP.Token}
	if s.telemetry().Enabled() {
		apiCfg.ServiceName = s.OTel.ServiceName
	}
	server := &http.Server{
		Addr:              s.HTTP.Addr,
		Handler:           api.NewRouter(engine, apiCfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", slog.String("addr", s.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		logger.Error("http server error", slog.String("error", err.Error()))
		stop()
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("http server shutdown error", slog.String("error", shutdownErr.Error()))
	}
	wg.Wait()
	if shutdownErr := telemetry.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("telemetry shutdown error", slog.String("error", shutdownErr.Error()))
	}
	return err
}

// openInputs connects the configured transports. Inputs with no URL are
// skipped; the HTTP API still serves.
func openInputs(ctx context.Context, s *settings, logger *slog.Logger) ([]input.Input, func(), error) {
	var inputs []input.Input
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if s.Redis.URL != "" {
		opts, err := redis.ParseURL(s.Redis.URL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		closers = append(closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, closeAll, fmt.Errorf("connecting to redis: %w", err)
		}
		c, err := redisstream.NewConsumer(client, redisstream.Config{
			Stream:      s.Redis.Stream,
			Group:       s.Redis.Group,
			Consumer:    s.Redis.Consumer,
			Source:      s.Redis.Source,
			ReclaimIdle: s.Redis.ReclaimIdle,
		}, logger)
		if err != nil {
			return nil, closeAll, err
		}
		inputs = append(inputs, c)
	}

	if s.NATS.URL != "" {
		nc, js, err := natsjs.Connect(s.NATS.URL, logger)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, nc.Close)
		c, err := natsjs.NewConsumer(js, natsjs.Config{
			Stream:        s.NATS.Stream,
			Durable:       s.NATS.Durable,
			FilterSubject: s.NATS.Subject,
		}, logger)
		if err != nil {
			return nil, closeAll, err
		}
		inputs = append(inputs, c)
	}

	if len(inputs) == 0 {
		logger.Warn("no inputs configured; set redis.url or nats.url")
	}
	return inputs, closeAll, nil
}
