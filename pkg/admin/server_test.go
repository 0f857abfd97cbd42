package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/policy-resolver/internal/governance"
	"github.com/polisai/policy-resolver/pkg/domain"
	"github.com/polisai/policy-resolver/pkg/storage"
	"github.com/polisai/policy-resolver/pkg/telemetry"
)

type stubResolver struct {
	policy      *domain.PolicyData
	level       domain.DegradationLevel
	err         error
	breaker     *governance.CircuitBreakerStats
	invalidated []string
}

func (s *stubResolver) Resolve(_ context.Context, tenantID string) (*domain.PolicyData, domain.DegradationLevel, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, 0, domain.ErrInvalidTenant
	}
	if s.err != nil {
		return nil, s.level, s.err
	}
	p := s.policy.Clone()
	p.TenantID = tenantID
	return p, s.level, nil
}

func (s *stubResolver) Invalidate(tenantID string) {
	s.invalidated = append(s.invalidated, tenantID)
}

func (s *stubResolver) CacheStats() storage.CacheStats {
	return storage.CacheStats{Tenants: 1, FreshEntries: 1, LastKnownGood: 1, Commits: 1}
}

func (s *stubResolver) BreakerStats() (governance.CircuitBreakerStats, bool) {
	if s.breaker == nil {
		return governance.CircuitBreakerStats{}, false
	}
	return *s.breaker, true
}

func samplePolicy() *domain.PolicyData {
	return &domain.PolicyData{
		EffectiveDate:   "2025-03-03",
		DefaultCategory: "Other",
		Categories: []domain.CategoryDefinition{
			{Name: "Meals", Aliases: []string{"Food"}, ValidationRules: domain.ValidationRules{MaxAmount: 40, Currency: "CHF"}},
			{Name: "Travel", ValidationRules: domain.ValidationRules{MaxAmount: 100, Currency: "CHF"}},
			{Name: "Other", ValidationRules: domain.ValidationRules{MaxAmount: 25, Currency: "CHF"}},
		},
	}
}

func newTestServer(res Resolver, metrics *telemetry.Metrics) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(":0", res, metrics, logger).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_GetPolicy(t *testing.T) {
	h := newTestServer(&stubResolver{policy: samplePolicy(), level: domain.LevelFresh}, nil)

	rec := do(t, h, http.MethodGet, "/v1/policies/acme")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Policy-Degradation"))

	var body PolicyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, domain.LevelFresh, body.DegradationLevel)
	assert.Equal(t, "acme", body.Policy.TenantID)
	assert.Len(t, body.Policy.Categories, 3)
}

func TestServer_GetPolicyFilteredByCategory(t *testing.T) {
	h := newTestServer(&stubResolver{policy: samplePolicy(), level: domain.LevelStale}, nil)

	rec := do(t, h, http.MethodGet, "/v1/policies/acme?category=food,travel")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STALE", rec.Header().Get("X-Policy-Degradation"))

	var body PolicyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []string{"Meals", "Travel"}, body.Policy.CategoryNames())
	assert.Equal(t, domain.LevelStale, body.DegradationLevel)
}

func TestServer_ListCategories(t *testing.T) {
	h := newTestServer(&stubResolver{policy: samplePolicy(), level: domain.LevelLastKnownGood}, nil)

	rec := do(t, h, http.MethodGet, "/v1/policies/acme/categories")
	require.Equal(t, http.StatusOK, rec.Code)

	var body CategoriesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "acme", body.TenantID)
	assert.Equal(t, 3, body.Count)
	assert.Equal(t, []string{"Meals", "Travel", "Other"}, body.Categories)
	assert.Equal(t, domain.LevelLastKnownGood, body.DegradationLevel)
}

func TestServer_ResolutionErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{name: "blank tenant", target: "/v1/policies/%20", want: http.StatusBadRequest},
		{name: "safe mode failure", target: "/v1/policies/acme", err: fmt.Errorf("resolve: %w", domain.ErrSafeModeLoad), want: http.StatusServiceUnavailable},
		{name: "unexpected", target: "/v1/policies/acme", err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&stubResolver{policy: samplePolicy(), err: tt.err}, nil)
			rec := do(t, h, http.MethodGet, tt.target)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestServer_Invalidate(t *testing.T) {
	res := &stubResolver{policy: samplePolicy()}
	h := newTestServer(res, nil)

	rec := do(t, h, http.MethodPost, "/v1/policies/invalidate?tenant=acme")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/policies/invalidate")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"acme", ""}, res.invalidated)

	rec = do(t, h, http.MethodDelete, "/v1/policies/invalidate")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_HealthAndBreaker(t *testing.T) {
	res := &stubResolver{policy: samplePolicy()}
	h := newTestServer(res, nil)

	rec := do(t, h, http.MethodGet, "/v1/breaker")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	res.breaker = &governance.CircuitBreakerStats{Name: "policy-source", State: string(governance.StateOpen), Threshold: 3}
	rec = do(t, h, http.MethodGet, "/v1/breaker")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats governance.CircuitBreakerStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, "open", stats.State)

	rec = do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, 1, health.Cache.Tenants)
}

func TestServer_RecordsRequestMetrics(t *testing.T) {
	metrics := telemetry.NewMetrics()
	h := newTestServer(&stubResolver{policy: samplePolicy(), level: domain.LevelFresh}, metrics)

	do(t, h, http.MethodGet, "/v1/policies/acme")
	do(t, h, http.MethodGet, "/v1/policies/globex")
	do(t, h, http.MethodGet, "/healthz")

	rec := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "policy_admin_http_requests_total")

	series, err := testutil.GatherAndCount(metrics.Registry(), "policy_admin_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}
