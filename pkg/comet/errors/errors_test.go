package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"HTTP 429", &HTTPError{StatusCode: 429}, CategoryTransient},
		{"HTTP 503", &HTTPError{StatusCode: 503}, CategoryTransient},
		{"HTTP 401", &HTTPError{StatusCode: 401}, CategoryPermanent},
		{"HTTP 404 wrapped", fmt.Errorf("post: %w", &HTTPError{StatusCode: 404}), CategoryPermanent},
		{"timeout", &TimeoutError{Op: "webhook", After: time.Second}, CategoryTransient},
		{"deadline exceeded", context.DeadlineExceeded, CategoryTransient},
		{"cancelled", context.Canceled, CategoryPermanent},
		{"recipient rejected", &RecipientError{Recipient: "a@example.com", Reason: "no such user"}, CategoryPermanent},
		{"explicit permanent", Permanent(errors.New("bad template"), "render"), CategoryPermanent},
		{"explicit transient beats status", Transient(&HTTPError{StatusCode: 400}, "webhook"), CategoryTransient},
		{"unknown error", errors.New("connection reset by peer"), CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "transient", CategoryTransient.String())
	assert.Equal(t, "permanent", CategoryPermanent.String())
	assert.Equal(t, "unknown", Category(99).String())
}

func TestClassifiedError(t *testing.T) {
	inner := errors.New("relay unavailable")
	err := Transient(inner, "route forseti")

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "route forseti: relay unavailable", err.Error())
	assert.Equal(t, "relay unavailable", Permanent(inner, "").Error())
}

func TestDo(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 2}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		attempts, err := Do(context.Background(), fast, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("flaky")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		attempts, err := Do(context.Background(), fast, func(context.Context) error {
			calls++
			return &RecipientError{Recipient: "x", Reason: "unknown"}
		})
		var recipientErr *RecipientError
		require.ErrorAs(t, err, &recipientErr)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, attempts)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		down := errors.New("down")
		attempts, err := Do(context.Background(), fast, func(context.Context) error { return down })

		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 3, exhausted.Attempts)
		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, down)
	})

	t.Run("custom retryable", func(t *testing.T) {
		cfg := fast
		cfg.Retryable = func(error) bool { return false }
		attempts, err := Do(context.Background(), cfg, func(context.Context) error { return errors.New("x") })
		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		attempts, err := Do(ctx, fast, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, attempts)
	})
}

func TestRetryConfig(t *testing.T) {
	require.NoError(t, DefaultRetry.Validate())
	require.NoError(t, NoRetry.Validate())
	assert.Error(t, RetryConfig{}.Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 1, Jitter: 2}.Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 1, BackoffFactor: 0.5}.Validate())

	cfg := NewRetryConfig(WithMaxAttempts(5), WithJitter(0), WithBackoff(time.Second, time.Minute))
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Zero(t, cfg.Jitter)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, time.Minute, cfg.MaxBackoff)
	assert.Equal(t, DefaultRetry.BackoffFactor, cfg.BackoffFactor)
}
