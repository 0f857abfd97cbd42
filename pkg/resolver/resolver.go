// Package resolver implements staged policy resolution: fresh cache, remote
// fetch, then the stale, last-known-good and safe mode fallbacks.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/polisai/policy-resolver/internal/governance"
	"github.com/polisai/policy-resolver/pkg/domain"
	"github.com/polisai/policy-resolver/pkg/policy"
	"github.com/polisai/policy-resolver/pkg/storage"
	"github.com/polisai/policy-resolver/pkg/telemetry"
)

const (
	// DefaultFreshTTL is how long a fetched policy is served without refetching.
	DefaultFreshTTL = 24 * time.Hour
	// DefaultStaleMaxAge bounds how old a fresh-tier entry may be when served
	// as a stale fallback.
	DefaultStaleMaxAge = 7 * 24 * time.Hour
)

// SafeModeLoader produces the static last-resort policy.
type SafeModeLoader interface {
	Load(tenantID string) (*domain.PolicyData, error)
}

// Options wires a Resolver. Source, Cache, Assembler, SafeMode and Retry are
// required.
type Options struct {
	Source    domain.PolicySource
	Cache     storage.TieredPolicyCache
	Assembler *policy.Assembler
	SafeMode  SafeModeLoader
	Retry     *governance.RetryPolicy

	FreshTTL    time.Duration
	StaleMaxAge time.Duration
	// FetchTimeout bounds a whole fetch cycle. Defaults to the retry
	// policy's overall timeout.
	FetchTimeout time.Duration

	// Group deduplicates concurrent fetches per tenant. Resolvers rebuilt
	// over the same source may share one so in-flight fetches are joined.
	Group *singleflight.Group

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Resolver is the entry point for obtaining a tenant's policy. It is safe for
// concurrent use; concurrent misses for one tenant share a single fetch.
type Resolver struct {
	source    domain.PolicySource
	cache     storage.TieredPolicyCache
	assembler *policy.Assembler
	safeMode  SafeModeLoader
	retry     *governance.RetryPolicy

	freshTTL     time.Duration
	staleMaxAge  time.Duration
	fetchTimeout time.Duration

	group   *singleflight.Group
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New validates opts and builds a Resolver.
func New(opts Options) (*Resolver, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("resolver: policy source is required")
	case opts.Cache == nil:
		return nil, errors.New("resolver: cache is required")
	case opts.Assembler == nil:
		return nil, errors.New("resolver: assembler is required")
	case opts.SafeMode == nil:
		return nil, errors.New("resolver: safe mode loader is required")
	case opts.Retry == nil:
		return nil, errors.New("resolver: retry policy is required")
	}

	if opts.FreshTTL <= 0 {
		opts.FreshTTL = DefaultFreshTTL
	}
	if opts.StaleMaxAge <= 0 {
		opts.StaleMaxAge = DefaultStaleMaxAge
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = opts.Retry.Config().OverallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Group == nil {
		opts.Group = &singleflight.Group{}
	}

	return &Resolver{
		source:       opts.Source,
		cache:        opts.Cache,
		assembler:    opts.Assembler,
		safeMode:     opts.SafeMode,
		retry:        opts.Retry,
		freshTTL:     opts.FreshTTL,
		staleMaxAge:  opts.StaleMaxAge,
		fetchTimeout: opts.FetchTimeout,
		group:        opts.Group,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
	}, nil
}

// Resolve returns the tenant's policy and how degraded it is. The only error
// besides an invalid tenant ID is a safe mode load failure, which wraps
// domain.ErrSafeModeLoad and must be surfaced to the caller. When err is
// non-nil the level is the zero DegradationLevel.
//
// Returned policies are shared and must not be mutated.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*domain.PolicyData, domain.DegradationLevel, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, 0, domain.ErrInvalidTenant
	}

	ctx, span := telemetry.Tracer().Start(ctx, "policy.resolve",
		trace.WithAttributes(attribute.String("policy.tenant_id", tenantID)))
	defer span.End()

	p, level, err := r.resolve(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "policy resolution failed")
		return nil, level, err
	}

	r.metrics.RecordResolution(level)
	telemetry.RecordResolution(span, tenantID, level, len(p.Categories))
	return p, level, nil
}

func (r *Resolver) resolve(ctx context.Context, tenantID string) (*domain.PolicyData, domain.DegradationLevel, error) {
	if entry, ok := r.cache.Fresh(tenantID); ok && !entry.Invalidated && entry.Age(r.now()) < r.freshTTL {
		return entry.Policy, domain.LevelFresh, nil
	}

	p, err := r.fetch(ctx, tenantID)
	if err == nil {
		return p, domain.LevelFresh, nil
	}
	return r.fallback(tenantID, err)
}

// fetch joins or starts the tenant's fetch cycle. The cycle runs detached from
// ctx so a caller giving up never cancels it; its result still lands in the
// cache for later callers.
func (r *Resolver) fetch(ctx context.Context, tenantID string) (*domain.PolicyData, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(tenantID, func() (any, error) {
		return r.fetchCycle(detached, tenantID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.PolicyData), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("caller stopped waiting for policy fetch: %w", ctx.Err())
	}
}

func (r *Resolver) fetchCycle(ctx context.Context, tenantID string) (*domain.PolicyData, error) {
	cycleID := uuid.NewString()
	started := r.now()
	startedWall := time.Now()
	logger := r.logger.With("tenant_id", tenantID, "cycle_id", cycleID)

	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "policy.fetch_cycle",
		trace.WithAttributes(
			attribute.String("policy.tenant_id", tenantID),
			attribute.String("policy.cycle_id", cycleID),
		))
	defer span.End()

	p, err := r.fetchAndAssemble(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.KindOf(err).String())
		r.metrics.RecordFetch("failure", time.Since(startedWall))
		logger.Warn("Policy fetch failed", "error", err, "kind", domain.KindOf(err).String())
		return nil, err
	}

	entry, won := r.cache.Commit(tenantID, p, started)
	if !won {
		r.metrics.RecordFetch("superseded", time.Since(startedWall))
		logger.Info("Newer policy already cached, discarding fetch result",
			"fetched_at", started, "cached_fetched_at", entry.FetchedAt)
		return entry.Policy, nil
	}

	r.metrics.RecordFetch("success", time.Since(startedWall))
	if entry.Invalidated {
		logger.Info("Policy fetched but invalidated while in flight, next resolve refetches",
			"categories", len(p.Categories), "fetched_at", started)
		return entry.Policy, nil
	}
	logger.Info("Policy refreshed", "categories", len(p.Categories), "effective_date", p.EffectiveDate)
	return entry.Policy, nil
}

func (r *Resolver) fetchAndAssemble(ctx context.Context, tenantID string) (*domain.PolicyData, error) {
	var rows []domain.IndexRow
	err := r.retry.Execute(ctx, "list_category_index", func(ctx context.Context) error {
		var err error
		rows, err = r.source.ListCategoryIndex(ctx, tenantID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list category index: %w", err)
	}

	return r.assembler.Assemble(ctx, tenantID, rows, func(ctx context.Context, name string) (*domain.CategoryDetail, error) {
		var detail *domain.CategoryDetail
		err := r.retry.Execute(ctx, "get_category_detail", func(ctx context.Context) error {
			var err error
			detail, err = r.source.GetCategoryDetail(ctx, tenantID, name)
			return err
		})
		if err != nil && ctx.Err() != nil {
			// The cycle budget is spent; a partial policy built from timeouts
			// must not be cached.
			return nil, domain.NewUnavailableError("get_category_detail", err)
		}
		return detail, err
	})
}

// fallback walks stale, last-known-good, then safe mode.
func (r *Resolver) fallback(tenantID string, cause error) (*domain.PolicyData, domain.DegradationLevel, error) {
	now := r.now()
	logger := r.logger.With("tenant_id", tenantID)

	if entry, ok := r.cache.Fresh(tenantID); ok {
		if age := entry.Age(now); age < r.staleMaxAge {
			logger.Warn("Serving stale policy", "age", age.String(), "cause", cause)
			return entry.Policy, domain.LevelStale, nil
		}
	}

	if entry, ok := r.cache.LastKnownGood(tenantID); ok {
		logger.Error("Serving last-known-good policy, policy source unavailable",
			"age", entry.Age(now).String(), "fetched_at", entry.FetchedAt, "cause", cause)
		return entry.Policy, domain.LevelLastKnownGood, nil
	}

	p, err := r.safeMode.Load(tenantID)
	if err != nil {
		r.metrics.RecordSafeModeLoadFailure()
		logger.Error("Safe mode policy could not be loaded, no fallback left",
			"error", err, "cause", cause)
		return nil, 0, fmt.Errorf("resolve policy for tenant %s: %w (fetch failed: %w)", tenantID, err, cause)
	}

	logger.Error("Serving safe mode policy, no cached policy available", "cause", cause)
	return p, domain.LevelSafeMode, nil
}

// Invalidate expires the fresh tier for tenantID, or for every tenant when
// tenantID is empty. Last-known-good entries are kept. A fetch already in
// flight still answers its waiters, but its result is cached as expired.
func (r *Resolver) Invalidate(tenantID string) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		r.cache.InvalidateAll(r.now())
		r.logger.Info("Invalidated cached policies for all tenants")
		return
	}
	r.cache.Invalidate(tenantID, r.now())
	r.group.Forget(tenantID)
	r.logger.Info("Invalidated cached policy", "tenant_id", tenantID)
}

// CacheStats reports cache contents.
func (r *Resolver) CacheStats() storage.CacheStats {
	return r.cache.Stats()
}

// BreakerStats reports the policy source circuit breaker, if one is used.
func (r *Resolver) BreakerStats() (governance.CircuitBreakerStats, bool) {
	cb := r.retry.Breaker()
	if cb == nil {
		return governance.CircuitBreakerStats{}, false
	}
	return cb.Stats(), true
}
