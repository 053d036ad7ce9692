package errors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds the attempts made within one delivery cycle.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// Jitter spreads each wait by up to ±Jitter of its length.
	Jitter float64
	// Retryable replaces IsRetryable when set.
	Retryable func(error) bool
}

// DefaultRetry makes three attempts over roughly a second and a half.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2,
	Jitter:         0.1,
}

// NoRetry makes a single attempt per cycle.
var NoRetry = RetryConfig{MaxAttempts: 1}

// RetryOption adjusts a RetryConfig.
type RetryOption func(*RetryConfig)

// NewRetryConfig applies opts to DefaultRetry.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxAttempts sets the number of attempts per cycle, the first
// included.
func WithMaxAttempts(n int) RetryOption {
	return func(c *RetryConfig) { c.MaxAttempts = n }
}

// WithBackoff sets the first wait and the cap on later waits.
func WithBackoff(initial, limit time.Duration) RetryOption {
	return func(c *RetryConfig) { c.InitialBackoff, c.MaxBackoff = initial, limit }
}

// WithJitter sets the fraction by which each wait is randomized.
func WithJitter(j float64) RetryOption {
	return func(c *RetryConfig) { c.Jitter = j }
}

// Validate rejects configurations Do cannot honor.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", c.MaxAttempts)
	case c.BackoffFactor != 0 && c.BackoffFactor < 1:
		return fmt.Errorf("retry: backoff factor must be >= 1, got %v", c.BackoffFactor)
	case c.Jitter < 0 || c.Jitter > 1:
		return fmt.Errorf("retry: jitter must be within [0, 1], got %v", c.Jitter)
	}
	return nil
}

// ExhaustedError is returned when every attempt of a cycle failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. It reports how many calls were made. A context that
// ends before or between attempts stops the loop with ctx.Err().
func Do(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) (int, error) {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	limit := max(cfg.MaxAttempts, 1)
	wait := cfg.InitialBackoff

	var last error
	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		if last = fn(ctx); last == nil {
			return attempt, nil
		}
		if !retryable(last) {
			return attempt, last
		}
		if attempt == limit || wait <= 0 {
			continue
		}

		t := time.NewTimer(jittered(wait, cfg.Jitter))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
		if cfg.BackoffFactor > 1 {
			wait = time.Duration(float64(wait) * cfg.BackoffFactor)
		}
		if cfg.MaxBackoff > 0 {
			wait = min(wait, cfg.MaxBackoff)
		}
	}
	return limit, &ExhaustedError{Attempts: limit, Last: last}
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*jitter*(rand.Float64()*2-1))
}
