package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/policy-resolver/pkg/domain"
)

var (
	// ErrRetryTimeout is returned when the overall retry budget is exhausted.
	ErrRetryTimeout = errors.New("retry budget exceeded")
)

// RetryConfig defines retry behavior for policy source calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
	// OverallTimeout is the wall-clock budget across all attempts combined.
	OverallTimeout time.Duration
	// OnAttempt, when set, is called after every failed attempt with the
	// error kind that was observed.
	OnAttempt func(attempt int, kind domain.ErrorKind)
}

// DefaultRetryConfig returns the defaults for the policy source: one retry
// after 30s, with the whole sequence bounded by the 120s platform limit.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    2,
		Delay:          30 * time.Second,
		OverallTimeout: 120 * time.Second,
	}
}

// RetryPolicy retries transient failures. Every attempt passes through the
// circuit breaker, so a trip mid-sequence aborts the remaining attempts.
type RetryPolicy struct {
	config  RetryConfig
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// NewRetryPolicy creates a retry policy with the given configuration. A nil
// breaker disables circuit protection.
func NewRetryPolicy(config RetryConfig, breaker *CircuitBreaker, logger *slog.Logger) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Delay < 0 {
		config.Delay = 0
	}
	if config.OverallTimeout <= 0 {
		config.OverallTimeout = defaults.OverallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RetryPolicy{config: config, breaker: breaker, logger: logger}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// Breaker returns the circuit breaker guarding each attempt, if any.
func (rp *RetryPolicy) Breaker() *CircuitBreaker {
	return rp.breaker
}

// Execute runs fn until it succeeds, fails deterministically, the breaker
// rejects it, attempts run out, or the overall budget expires.
//
// Deterministic errors are returned on first occurrence. Exhausting attempts
// returns the last transient error. Exceeding the budget returns an error
// matching ErrRetryTimeout that also wraps the last failure.
func (rp *RetryPolicy) Execute(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, rp.config.OverallTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= rp.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return rp.budgetError(op, err, lastErr)
		}

		err := rp.attempt(ctx, fn)
		if err == nil {
			if attempt > 1 {
				rp.logger.Info("Policy source call succeeded after retry", "op", op, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			rp.notify(attempt, domain.KindUnavailable)
			return domain.NewUnavailableError(op, err)
		}

		kind := domain.KindOf(err)
		rp.notify(attempt, kind)
		if !kind.Retryable() {
			rp.logger.Error("Policy source call failed, not retrying",
				"op", op, "attempt", attempt, "kind", kind.String(), "error", err)
			return err
		}

		if ctx.Err() != nil {
			return rp.budgetError(op, ctx.Err(), lastErr)
		}

		willRetry := attempt < rp.config.MaxAttempts
		rp.logger.Warn("Policy source call failed",
			"op", op, "attempt", attempt, "max_attempts", rp.config.MaxAttempts,
			"error", err, "will_retry", willRetry)
		if !willRetry {
			break
		}

		timer := time.NewTimer(rp.config.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return rp.budgetError(op, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	rp.logger.Error("Policy source call failed after all retries", "op", op, "attempts", rp.config.MaxAttempts)
	return fmt.Errorf("%s failed after %d attempts: %w", op, rp.config.MaxAttempts, lastErr)
}

func (rp *RetryPolicy) attempt(ctx context.Context, fn func(context.Context) error) error {
	if rp.breaker == nil {
		return fn(ctx)
	}
	return rp.breaker.ExecuteContext(ctx, fn)
}

func (rp *RetryPolicy) notify(attempt int, kind domain.ErrorKind) {
	if rp.config.OnAttempt != nil {
		rp.config.OnAttempt(attempt, kind)
	}
}

// budgetError distinguishes our own budget expiring from the caller's context
// ending. Only the former is reported as a retry timeout.
func (rp *RetryPolicy) budgetError(op string, ctxErr, lastErr error) error {
	if errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	rp.logger.Error("Policy source retry budget exceeded",
		"op", op, "timeout", rp.config.OverallTimeout.String(), "error", lastErr)
	if lastErr == nil {
		return fmt.Errorf("%w: %s exceeded %s", ErrRetryTimeout, op, rp.config.OverallTimeout)
	}
	return fmt.Errorf("%w: %s exceeded %s: %w", ErrRetryTimeout, op, rp.config.OverallTimeout, lastErr)
}
