package comet

import (
	"context"
	"errors"
	"fmt"
	"time"

	cerrors "github.com/randalmurphal/comet/pkg/comet/errors"
	"github.com/randalmurphal/comet/pkg/comet/event"
)

// Router delivers a ready group to its owner.
type Router interface {
	Route(ctx context.Context, sourceType, owner string, records []event.Record) error
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, sourceType, owner string, records []event.Record) error

// Route calls f.
func (f RouterFunc) Route(ctx context.Context, sourceType, owner string, records []event.Record) error {
	return f(ctx, sourceType, owner, records)
}

// Escalator delivers the unacknowledged groups of one source type.
type Escalator interface {
	Escalate(ctx context.Context, sourceType string, records []event.Record) error
}

// EscalatorFunc adapts a function to Escalator.
type EscalatorFunc func(ctx context.Context, sourceType string, records []event.Record) error

// Escalate calls f.
func (f EscalatorFunc) Escalate(ctx context.Context, sourceType string, records []event.Record) error {
	return f(ctx, sourceType, records)
}

// Defaults for the engine loop.
const (
	DefaultRetryCycle         = time.Minute
	DefaultEscalationInterval = time.Minute
)

// Config is the immutable engine configuration produced by Builder.
type Config struct {
	sources            *event.Registry
	router             Router
	escalator          Escalator
	retry              cerrors.RetryConfig
	retryCycle         time.Duration
	escalationInterval time.Duration
}

// Sources returns the sealed source registry.
func (c *Config) Sources() *event.Registry { return c.sources }

// Settings returns the settings of a source type.
func (c *Config) Settings(sourceType string) event.Settings { return c.sources.Settings(sourceType) }

// RetryCycle is how long a group whose dispatch exhausted its retries
// waits before the next cycle.
func (c *Config) RetryCycle() time.Duration { return c.retryCycle }

// EscalationInterval is the period of the escalation sweep.
func (c *Config) EscalationInterval() time.Duration { return c.escalationInterval }

// Builder assembles a Config. Errors accumulate and are reported by Build.
type Builder struct {
	sources            *event.Registry
	router             Router
	escalator          Escalator
	retry              cerrors.RetryConfig
	retryCycle         time.Duration
	escalationInterval time.Duration
	errs               []error
	built              bool
}

// NewBuilder starts an empty configuration.
func NewBuilder() *Builder {
	return &Builder{
		sources:            event.NewRegistry(),
		retry:              cerrors.DefaultRetry,
		retryCycle:         DefaultRetryCycle,
		escalationInterval: DefaultEscalationInterval,
	}
}

// RegisterSource adds a source type with its parser and hydrator.
func (b *Builder) RegisterSource(src event.Source) *Builder {
	if err := b.sources.Register(src); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Configure overrides the settings of a registered source type.
func (b *Builder) Configure(sourceType string, s event.Settings) *Builder {
	if err := b.sources.Configure(sourceType, s); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// ConfigureAll applies settings loaded from configuration. Settings for
// source types that are not registered are rejected.
func (b *Builder) ConfigureAll(settings map[string]event.Settings) *Builder {
	for sourceType, s := range settings {
		b.Configure(sourceType, s)
	}
	return b
}

// WithRouter sets the routing output.
func (b *Builder) WithRouter(r Router) *Builder {
	b.router = r
	return b
}

// WithEscalator sets the escalation output.
func (b *Builder) WithEscalator(e Escalator) *Builder {
	b.escalator = e
	return b
}

// WithRetry sets the per-cycle retry policy of routing and escalation calls.
func (b *Builder) WithRetry(cfg cerrors.RetryConfig) *Builder {
	if err := cfg.Validate(); err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.retry = cfg
	return b
}

// WithRetryCycle sets the delay before a failed dispatch is retried.
func (b *Builder) WithRetryCycle(d time.Duration) *Builder {
	if d <= 0 {
		b.errs = append(b.errs, fmt.Errorf("retry cycle must be positive, got %s", d))
		return b
	}
	b.retryCycle = d
	return b
}

// WithEscalationInterval sets the escalation sweep period.
func (b *Builder) WithEscalationInterval(d time.Duration) *Builder {
	if d <= 0 {
		b.errs = append(b.errs, fmt.Errorf("escalation interval must be positive, got %s", d))
		return b
	}
	b.escalationInterval = d
	return b
}

// Build validates the configuration and seals the source registry.
// A Builder can be built once.
func (b *Builder) Build() (*Config, error) {
	errs := append([]error(nil), b.errs...)
	if b.built {
		errs = append(errs, errors.New("builder already used"))
	}
	if b.sources.Len() == 0 {
		errs = append(errs, errors.New("no sources registered"))
	}
	if b.router == nil {
		errs = append(errs, errors.New("router is required"))
	}
	if b.escalator == nil {
		for _, t := range b.sources.Types() {
			if b.sources.Settings(t).EscalateAfter > 0 {
				errs = append(errs, fmt.Errorf("source %q escalates but no escalator is set", t))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	b.built = true
	b.sources.Seal()
	return &Config{
		sources:            b.sources,
		router:             b.router,
		escalator:          b.escalator,
		retry:              b.retry,
		retryCycle:         b.retryCycle,
		escalationInterval: b.escalationInterval,
	}, nil
}
