package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited reports that a caller gave up waiting for an outbound token.
// It is a local condition and never counts as a collaborator failure.
var ErrRateLimited = errors.New("rate limit wait abandoned")

// RateLimiterConfig defines the outbound budget for one source endpoint.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter paces outbound calls with per-endpoint token buckets, keyed by
// endpoint (for example "index" and "detail"). Callers wait for a token
// rather than being rejected. Endpoints without a configured limit are never
// throttled.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided per-endpoint limits.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	return newRateLimiter(config, time.Now)
}

func newRateLimiter(config map[string]RateLimiterConfig, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket, len(config)),
		now:     now,
	}
	for endpoint, cfg := range config {
		if cfg.RequestsPerSecond <= 0 {
			continue
		}
		rl.buckets[endpoint] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize, now())
	}
	return rl
}

// Wait blocks until a token for endpoint is available. If ctx ends first it
// returns an error wrapping both ErrRateLimited and the context error.
func (rl *RateLimiter) Wait(ctx context.Context, endpoint string) error {
	if rl == nil {
		return nil
	}
	rl.mu.RLock()
	bucket, exists := rl.buckets[endpoint]
	rl.mu.RUnlock()
	if !exists {
		return nil
	}

	for {
		delay := bucket.reserve(rl.now())
		if delay <= 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w for %s endpoint: %w", ErrRateLimited, endpoint, ctx.Err())
		case <-timer.C:
		}
	}
}

// Stats returns current rate limit statistics for all endpoints.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	if rl == nil {
		return nil
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for endpoint, bucket := range rl.buckets {
		stats[endpoint] = bucket.stats(now)
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Rate      float64 `json:"rate"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps float64, burstSize int, now time.Time) *tokenBucket {
	if burstSize <= 0 {
		burstSize = int(rps)
		if burstSize < 1 {
			burstSize = 1
		}
	}
	return &tokenBucket{
		rate:       rps,
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		lastRefill: now,
	}
}

// reserve takes a token and returns zero, or returns how long until one is
// available without taking it.
func (tb *tokenBucket) reserve(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens--
		return 0
	}
	delay := time.Duration((1.0 - tb.tokens) / tb.rate * float64(time.Second))
	if delay <= 0 {
		delay = time.Nanosecond
	}
	return delay
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{
		Rate:      tb.rate,
		BurstSize: int(tb.capacity),
		Available: tb.tokens,
	}
}
