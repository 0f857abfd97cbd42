package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is probing whether the collaborator recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// Name identifies the protected collaborator in logs and metrics.
	Name string
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open after the last failure
	// before a single probe is let through.
	Cooldown time.Duration
	// OnStateChange, when set, is called after every transition while the
	// breaker lock is held. It must not call back into the breaker.
	OnStateChange func(from, to CircuitBreakerState)
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns the thresholds used for the policy source.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:      "policy-source",
		Threshold: 3,
		Cooldown:  60 * time.Second,
	}
}

// CircuitBreaker protects a single external collaborator. One instance is
// shared process-wide per collaborator, since outages are global events.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	logger *slog.Logger

	state            CircuitBreakerState
	failureCount     int
	lastFailureAt    time.Time
	lastStateChange  time.Time
	halfOpenInFlight bool
	totalFailures    int
	totalSuccesses   int
	totalRejected    int
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if config.Threshold <= 0 {
		config.Threshold = DefaultCircuitBreakerConfig().Threshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCircuitBreakerConfig().Cooldown
	}
	if config.Name == "" {
		config.Name = DefaultCircuitBreakerConfig().Name
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		logger:          logger.With("breaker", config.Name),
		lastStateChange: config.Now(),
	}
}

// Execute wraps a function call with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteContext wraps a function call with circuit breaker and context support.
// While open, fn is never invoked and ErrCircuitOpen is returned.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.afterRequest(probe, err)
	return err
}

// beforeRequest checks if the request should be allowed. It reports whether
// the admitted call is the half-open probe.
func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if now.Sub(cb.lastFailureAt) < cb.config.Cooldown {
			cb.totalRejected++
			return false, ErrCircuitOpen
		}
		cb.transitionToLocked(StateHalfOpen, now)
		cb.halfOpenInFlight = true
		return true, nil
	case StateHalfOpen:
		if cb.halfOpenInFlight {
			cb.totalRejected++
			return false, ErrCircuitOpen
		}
		cb.halfOpenInFlight = true
		return true, nil
	default:
		return false, fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

// afterRequest records the result of a request.
func (cb *CircuitBreaker) afterRequest(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()
	if probe {
		cb.halfOpenInFlight = false
	}

	// A caller giving up says nothing about the collaborator's health.
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrRateLimited) {
		return
	}

	if err == nil {
		cb.totalSuccesses++
		cb.failureCount = 0
		if cb.state == StateHalfOpen {
			cb.transitionToLocked(StateClosed, now)
		}
		return
	}

	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureAt = now

	switch cb.state {
	case StateHalfOpen:
		cb.transitionToLocked(StateOpen, now)
	case StateClosed:
		if cb.failureCount >= cb.config.Threshold {
			cb.transitionToLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState, now time.Time) {
	if cb.state == newState {
		return
	}

	from := cb.state
	cb.state = newState
	cb.lastStateChange = now

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.logger.Info("Circuit breaker closed", "from", string(from))
	case StateHalfOpen:
		cb.logger.Info("Circuit breaker half-open, probing collaborator",
			"open_for", now.Sub(cb.lastFailureAt).String())
	case StateOpen:
		cb.logger.Warn("Circuit breaker opened",
			"from", string(from),
			"failure_count", cb.failureCount,
			"threshold", cb.config.Threshold,
			"cooldown", cb.config.Cooldown.String())
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		Name:            cb.config.Name,
		State:           string(cb.state),
		FailureCount:    cb.failureCount,
		Threshold:       cb.config.Threshold,
		Cooldown:        cb.config.Cooldown.String(),
		Failures:        cb.totalFailures,
		Successes:       cb.totalSuccesses,
		Rejected:        cb.totalRejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailureAt.IsZero() {
		stats.LastFailureAt = cb.lastFailureAt.Format(time.RFC3339)
	}
	return stats
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failureCount"`
	Threshold       int    `json:"threshold"`
	Cooldown        string `json:"cooldown"`
	Failures        int    `json:"failures"`
	Successes       int    `json:"successes"`
	Rejected        int    `json:"rejected"`
	LastFailureAt   string `json:"lastFailureAt,omitempty"`
	LastStateChange string `json:"lastStateChange"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionToLocked(StateClosed, cb.config.Now())
	cb.failureCount = 0
	cb.halfOpenInFlight = false
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.totalRejected = 0
}
