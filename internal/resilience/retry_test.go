package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRetryHandler(config RetryConfig, delays *[]time.Duration) *RetryHandler {
	handler := NewRetryHandler(config, zap.NewNop())
	handler.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return handler
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	var delays []time.Duration
	handler := newTestRetryHandler(DefaultRetryConfig(), &delays)

	calls := 0
	err := handler.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestRetryBackoffSequenceWithoutJitter(t *testing.T) {
	var delays []time.Duration
	handler := newTestRetryHandler(RetryConfig{
		MaxAttempts: 3,
		Backoff:     time.Second,
		MaxBackoff:  10 * time.Second,
		Jitter:      false,
	}, &delays)

	calls := 0
	err := handler.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("broker unavailable")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "broker unavailable")
}

func TestRetryBackoffCappedAtMax(t *testing.T) {
	var delays []time.Duration
	handler := newTestRetryHandler(RetryConfig{
		MaxAttempts: 4,
		Backoff:     time.Second,
		MaxBackoff:  1500 * time.Millisecond,
		Jitter:      false,
	}, &delays)

	err := handler.Execute(context.Background(), "op", func(ctx context.Context) error {
		return errors.New("nope")
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		1500 * time.Millisecond,
	}, delays)
}

func TestRetryJitterBounds(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{
		MaxAttempts: 3,
		Backoff:     time.Second,
		MaxBackoff:  10 * time.Second,
		Jitter:      true,
	}, zap.NewNop())

	handler.randFloat = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, handler.delayFor(1))

	handler.randFloat = func() float64 { return 0.999999 }
	delay := handler.delayFor(1)
	assert.GreaterOrEqual(t, delay, 500*time.Millisecond)
	assert.Less(t, delay, time.Second+time.Millisecond)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	var delays []time.Duration
	handler := newTestRetryHandler(RetryConfig{
		MaxAttempts: 3,
		Backoff:     time.Second,
		Jitter:      false,
	}, &delays)

	calls := 0
	err := handler.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestRetryAbortsOnCancelledContext(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{
		MaxAttempts: 3,
		Backoff:     time.Second,
		Jitter:      false,
	}, zap.NewNop())
	handler.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := handler.Execute(ctx, "op", func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
