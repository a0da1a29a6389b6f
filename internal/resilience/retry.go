package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryConfig configures a RetryHandler.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     time.Second,
		MaxBackoff:  10 * time.Second,
		Jitter:      true,
	}
}

// RetryHandler wraps a fallible operation with bounded exponential-backoff
// retry. Sleeps go through the context so a waiting retry never blocks
// other goroutines and honors cancellation.
type RetryHandler struct {
	config RetryConfig
	logger *zap.Logger

	// sleep and randFloat are test seams.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewRetryHandler creates a retry handler with the given config. Zero or
// negative config fields fall back to defaults.
func NewRetryHandler(config RetryConfig, logger *zap.Logger) *RetryHandler {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Backoff <= 0 {
		config.Backoff = defaults.Backoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}

	return &RetryHandler{
		config:    config,
		logger:    logger,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
}

// Execute runs op, retrying on failure until the attempt budget is spent.
// The returned error after exhaustion embeds the attempt count and the last
// underlying error.
func (r *RetryHandler) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		r.logger.Warn("Operation failed",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.config.MaxAttempts),
			zap.Error(lastErr))

		if attempt == r.config.MaxAttempts {
			break
		}

		if err := r.sleep(ctx, r.delayFor(attempt)); err != nil {
			return fmt.Errorf("retry aborted for %s: %w", name, err)
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", name, r.config.MaxAttempts, lastErr)
}

// delayFor computes the backoff before the retry that follows the given
// attempt: backoff * 2^(attempt-1) * jitterFactor, capped at MaxBackoff.
func (r *RetryHandler) delayFor(attempt int) time.Duration {
	factor := 1.0
	if r.config.Jitter {
		factor = 0.5 + r.randFloat()*0.5
	}

	delay := float64(r.config.Backoff) * math.Pow(2, float64(attempt-1)) * factor
	if delay > float64(r.config.MaxBackoff) {
		return r.config.MaxBackoff
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
