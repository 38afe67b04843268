package model

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/odvcencio/errand/pkg/logging"
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// CircuitClosed allows requests to pass through
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks all requests
	CircuitOpen
	// CircuitHalfOpen allows a test request to check if service recovered
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures uint32
	// ResetTimeout is the duration to wait before transitioning from open to half-open
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// CircuitBreaker stops calling an endpoint after repeated failures and probes
// it again once ResetTimeout has passed.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *logging.Logger
	now    func() time.Time

	state           CircuitState
	failureCount    uint32
	lastFailureTime time.Time

	mu sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig, logger *logging.Logger) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = DefaultCircuitBreakerConfig().MaxFailures
	}
	return &CircuitBreaker{
		config: config,
		logger: logger,
		now:    time.Now,
		state:  CircuitClosed,
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed, "manual reset")
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
}

// Call runs fn unless the circuit is open. Errors for which countable returns
// false (caller cancellation, client errors) do not move the breaker.
func (cb *CircuitBreaker) Call(fn func() error, countable func(error) bool) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		since := cb.now().Sub(cb.lastFailureTime)
		if since < cb.config.ResetTimeout {
			cb.mu.Unlock()
			return fmt.Errorf("%w (last failure %v ago)", ErrCircuitOpen, since.Round(time.Millisecond))
		}
		cb.transition(CircuitHalfOpen, "reset timeout elapsed")
		cb.failureCount = 0
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil:
		cb.recordSuccess()
	case countable == nil || countable(err):
		cb.recordFailure()
	}
	return err
}

// recordFailure must be called with the lock held.
func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitHalfOpen:
		cb.transition(CircuitOpen, "probe failed")
	case CircuitClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.transition(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failureCount))
		}
	}
}

// recordSuccess must be called with the lock held.
func (cb *CircuitBreaker) recordSuccess() {
	if cb.state == CircuitHalfOpen {
		cb.transition(CircuitClosed, "probe succeeded")
	}
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
}

func (cb *CircuitBreaker) transition(to CircuitState, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.logger.Warn(logging.CategoryModel, "circuit_breaker", "circuit state changed", map[string]any{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	})
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
