package main

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/spf13/viper"

	"github.com/randalmurphal/comet/internal/notify"
	"github.com/randalmurphal/comet/internal/sources"
	"github.com/randalmurphal/comet/pkg/comet/config"
	cerrors "github.com/randalmurphal/comet/pkg/comet/errors"
	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/observability"
)

type settings struct {
	Store struct {
		DSN      string `mapstructure:"dsn"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"store"`

	HTTP struct {
		Addr   string `mapstructure:"addr"`
		Token  string `mapstructure:"token"`
		Server string `mapstructure:"server"`
	} `mapstructure:"http"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	OTel struct {
		Endpoint       string `mapstructure:"endpoint"`
		Headers        string `mapstructure:"headers"`
		ServiceName    string `mapstructure:"service_name"`
		ServiceVersion string `mapstructure:"service_version"`
	} `mapstructure:"otel"`

	Engine struct {
		RetryCycle         time.Duration `mapstructure:"retry_cycle"`
		EscalationInterval time.Duration `mapstructure:"escalation_interval"`
		MaxAttempts        int           `mapstructure:"max_attempts"`
		InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff         time.Duration `mapstructure:"max_backoff"`
		Jitter             float64       `mapstructure:"jitter"`
		Retention          time.Duration `mapstructure:"retention"`
	} `mapstructure:"engine"`

	Redis struct {
		URL         string        `mapstructure:"url"`
		Stream      string        `mapstructure:"stream"`
		Group       string        `mapstructure:"group"`
		Consumer    string        `mapstructure:"consumer"`
		Source      string        `mapstructure:"source"`
		ReclaimIdle time.Duration `mapstructure:"reclaim_idle"`
	} `mapstructure:"redis"`

	NATS struct {
		URL     string `mapstructure:"url"`
		Stream  string `mapstructure:"stream"`
		Durable string `mapstructure:"durable"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`

	Notify struct {
		WebhookURL string        `mapstructure:"webhook_url"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"notify"`

	Detectify struct {
		// DomainOwners is a list rather than a map because viper splits
		// keys on dots and every key here is a domain name.
		DomainOwners []struct {
			Domain string `mapstructure:"domain"`
			Owner  string `mapstructure:"owner"`
		} `mapstructure:"domain_owners"`
	} `mapstructure:"detectify"`

	// SourcesFile names a separate YAML or JSON file of per-source
	// settings. Its entries replace inline ones of the same source.
	SourcesFile string `mapstructure:"sources_file"`

	// Sources holds per-source timing overrides.
	Sources map[string]event.Settings `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "comet.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("http.addr", ":5000")
	v.SetDefault("http.token", "")
	v.SetDefault("http.server", "http://localhost:5000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.headers", "")
	v.SetDefault("otel.service_name", "cometd")
	v.SetDefault("otel.service_version", version)
	v.SetDefault("engine.retry_cycle", time.Minute)
	v.SetDefault("engine.escalation_interval", time.Minute)
	v.SetDefault("engine.max_attempts", cerrors.DefaultRetry.MaxAttempts)
	v.SetDefault("engine.initial_backoff", cerrors.DefaultRetry.InitialBackoff)
	v.SetDefault("engine.max_backoff", cerrors.DefaultRetry.MaxBackoff)
	v.SetDefault("engine.jitter", cerrors.DefaultRetry.Jitter)
	v.SetDefault("engine.retention", 30*24*time.Hour)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stream", "comet-events")
	v.SetDefault("redis.group", "comet")
	v.SetDefault("redis.consumer", "cometd")
	v.SetDefault("redis.source", "")
	v.SetDefault("redis.reclaim_idle", 5*time.Minute)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "COMET")
	v.SetDefault("nats.durable", "cometd")
	v.SetDefault("nats.subject", "comet.events.>")
	v.SetDefault("sources_file", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", notify.DefaultWebhookTimeout)
}

func loadSettings(v *viper.Viper) (*settings, error) {
	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	srcs, err := config.LoadSources(config.New(v.AllSettings()))
	if err != nil {
		return nil, err
	}
	if s.SourcesFile != "" {
		fromFile, err := config.SourcesFromFile(s.SourcesFile)
		if err != nil {
			return nil, err
		}
		maps.Copy(srcs, fromFile)
	}
	s.Sources = srcs
	return &s, nil
}

func (s *settings) telemetry() observability.TelemetryConfig {
	return observability.TelemetryConfig{
		Endpoint:       s.OTel.Endpoint,
		Headers:        s.OTel.Headers,
		ServiceName:    s.OTel.ServiceName,
		ServiceVersion: s.OTel.ServiceVersion,
	}
}

func (s *settings) logConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:       s.Log.Level,
		Format:      s.Log.Format,
		OTel:        s.telemetry().Enabled(),
		ServiceName: s.OTel.ServiceName,
	}
}

// domainOwners returns the configured lookup, or nil to use the
// built-in one.
func (s *settings) domainOwners() sources.DomainOwners {
	if len(s.Detectify.DomainOwners) == 0 {
		return nil
	}
	owners := make(sources.DomainOwners, len(s.Detectify.DomainOwners))
	for _, d := range s.Detectify.DomainOwners {
		owners[d.Domain] = d.Owner
	}
	return owners
}

// sender delivers through the webhook when one is configured and only
// logs otherwise.
func (s *settings) sender(logger *slog.Logger) (notify.Sender, error) {
	if s.Notify.WebhookURL == "" {
		return notify.LogSender{Logger: logger}, nil
	}
	return notify.NewWebhookSender(s.Notify.WebhookURL, s.Notify.Timeout)
}

func (s *settings) retry() cerrors.RetryConfig {
	return cerrors.NewRetryConfig(
		cerrors.WithMaxAttempts(s.Engine.MaxAttempts),
		cerrors.WithBackoff(s.Engine.InitialBackoff, s.Engine.MaxBackoff),
		cerrors.WithJitter(s.Engine.Jitter),
	)
}
