package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-processing/internal/domainerr"
	"order-processing/internal/util"
)

// Circuit breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name      string
	Threshold int
	Timeout   time.Duration
}

// DefaultBreakerConfig returns the standard breaker policy.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:      name,
		Threshold: 5,
		Timeout:   60 * time.Second,
	}
}

// CircuitBreaker short-circuits a failing operation after Threshold
// consecutive failures, probing recovery once Timeout has elapsed. Each
// protected resource owns its own instance.
type CircuitBreaker struct {
	config BreakerConfig
	logger *zap.Logger

	mu          sync.Mutex
	state       string
	failures    int
	lastFailure time.Time

	now func() time.Time // test seam
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	defaults := DefaultBreakerConfig(config.Name)
	if config.Threshold <= 0 {
		config.Threshold = defaults.Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &CircuitBreaker{
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs op unless the breaker is open. While open, calls fail with
// domainerr.ErrCircuitOpen without invoking op until the timeout elapses,
// at which point the breaker half-opens and the next call probes recovery.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}

	if cb.now().Sub(cb.lastFailure) < cb.config.Timeout {
		return domainerr.ErrCircuitOpen
	}

	cb.setState(StateHalfOpen)
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.setState(StateClosed)
		return
	}

	cb.failures++
	cb.lastFailure = cb.now()

	if cb.state == StateHalfOpen || cb.failures >= cb.config.Threshold {
		cb.setState(StateOpen)
	}
}

// setState transitions the breaker. Caller holds the lock.
func (cb *CircuitBreaker) setState(state string) {
	if cb.state == state {
		return
	}

	cb.logger.Info("Circuit breaker state change",
		zap.String("breaker", cb.config.Name),
		zap.String("from", cb.state),
		zap.String("to", state),
		zap.Int("failures", cb.failures))

	cb.state = state
	util.CircuitBreakerState.WithLabelValues(cb.config.Name).Set(stateValue(state))
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func stateValue(state string) float64 {
	switch state {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	}
	return 0
}
