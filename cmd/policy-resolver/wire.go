package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/polisai/policy-resolver/internal/governance"
	"github.com/polisai/policy-resolver/pkg/config"
	"github.com/polisai/policy-resolver/pkg/domain"
	"github.com/polisai/policy-resolver/pkg/policy"
	"github.com/polisai/policy-resolver/pkg/resolver"
	"github.com/polisai/policy-resolver/pkg/source"
	"github.com/polisai/policy-resolver/pkg/storage"
	"github.com/polisai/policy-resolver/pkg/telemetry"
)

const breakerName = "policy-source"

// newSource builds the configured policy source: the fixture file when one is
// set, the remote HTTP store otherwise.
func newSource(cfg config.SourceConfig, logger *slog.Logger) (domain.PolicySource, error) {
	if cfg.Fixture != "" {
		src, err := source.LoadMemorySource(cfg.Fixture)
		if err != nil {
			return nil, err
		}
		logger.Info("Serving policies from fixture", "fixture", cfg.Fixture)
		return src, nil
	}

	var limits map[string]governance.RateLimiterConfig
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limit := governance.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Burst,
		}
		limits = map[string]governance.RateLimiterConfig{
			source.EndpointIndex:  limit,
			source.EndpointDetail: limit,
		}
	}

	return source.NewHTTPSource(source.HTTPConfig{
		BaseURL:        cfg.BaseURL,
		Username:       cfg.Username,
		APIToken:       cfg.APIToken,
		RequestTimeout: cfg.RequestTimeout,
		RateLimits:     limits,
	}, logger)
}

func newSafeModeLoader(cfg *config.Config, logger *slog.Logger) *policy.SafeModeLoader {
	return policy.NewSafeModeLoader(cfg.SafeMode.Artifact, cfg.Resolver.DefaultCurrency, logger)
}

// sourceState is the per-source health and fetch bookkeeping. It outlives
// resolver rebuilds and is only replaced when the source itself changes.
type sourceState struct {
	breaker *governance.CircuitBreaker
	group   *singleflight.Group
}

func newSourceState(cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) *sourceState {
	return &sourceState{
		breaker: governance.NewCircuitBreaker(governance.CircuitBreakerConfig{
			Name:      breakerName,
			Threshold: cfg.Breaker.Threshold,
			Cooldown:  cfg.Breaker.Cooldown,
			OnStateChange: func(_, to governance.CircuitBreakerState) {
				metrics.RecordCircuitTransition(string(to))
			},
		}, logger),
		group: &singleflight.Group{},
	}
}

// sameSource reports whether a and b point at the same policy store.
func sameSource(a, b config.SourceConfig) bool {
	return a.BaseURL == b.BaseURL && a.Fixture == b.Fixture
}

// buildResolver wires a resolver from cfg. The cache and source state are
// passed in so a rebuilt resolver keeps fetched policies and breaker state.
func buildResolver(cfg *config.Config, cache storage.TieredPolicyCache, state *sourceState, metrics *telemetry.Metrics, logger *slog.Logger) (*resolver.Resolver, error) {
	src, err := newSource(cfg.Source, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy source: %w", err)
	}

	retry := governance.NewRetryPolicy(governance.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		Delay:          cfg.Retry.Delay,
		OverallTimeout: cfg.Retry.OverallTimeout,
		OnAttempt: func(_ int, kind domain.ErrorKind) {
			metrics.RecordRetryAttempt(kind)
		},
	}, state.breaker, logger)

	assembler := policy.NewAssembler(policy.AssemblerConfig{
		DefaultCategory: cfg.Resolver.DefaultCategory,
		DefaultCurrency: cfg.Resolver.DefaultCurrency,
		CacheTTL:        cfg.Resolver.FreshTTL,
		Concurrency:     cfg.Source.DetailConcurrency,
		OnSkip: func(string, error) {
			metrics.RecordSkippedCategory()
		},
	}, logger)

	return resolver.New(resolver.Options{
		Source:      src,
		Cache:       cache,
		Assembler:   assembler,
		SafeMode:    newSafeModeLoader(cfg, logger),
		Retry:       retry,
		FreshTTL:    cfg.Resolver.FreshTTL,
		StaleMaxAge: cfg.Resolver.StaleMaxAge,
		Group:       state.group,
		Metrics:     metrics,
		Logger:      logger,
	})
}

// swappableResolver serves from whichever resolver was built last, so a
// configuration reload never drops in-flight requests.
type swappableResolver struct {
	current atomic.Pointer[resolver.Resolver]
}

func newSwappableResolver(r *resolver.Resolver) *swappableResolver {
	s := &swappableResolver{}
	s.current.Store(r)
	return s
}

func (s *swappableResolver) Swap(r *resolver.Resolver) {
	s.current.Store(r)
}

func (s *swappableResolver) Resolve(ctx context.Context, tenantID string) (*domain.PolicyData, domain.DegradationLevel, error) {
	return s.current.Load().Resolve(ctx, tenantID)
}

func (s *swappableResolver) Invalidate(tenantID string) {
	s.current.Load().Invalidate(tenantID)
}

func (s *swappableResolver) CacheStats() storage.CacheStats {
	return s.current.Load().CacheStats()
}

func (s *swappableResolver) BreakerStats() (governance.CircuitBreakerStats, bool) {
	return s.current.Load().BreakerStats()
}
