package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/policy-resolver/internal/governance"
	"github.com/polisai/policy-resolver/pkg/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSource(t *testing.T, handler http.Handler, mutate func(*HTTPConfig)) *HTTPSource {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := HTTPConfig{
		BaseURL:        server.URL + "/api/",
		Username:       "svc-expenses",
		APIToken:       "secret-token",
		RequestTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	src, err := NewHTTPSource(cfg, testLogger())
	require.NoError(t, err)
	return src
}

func TestHTTPSource_ListCategoryIndex(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tenants/{tenant}/categories", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "svc-expenses" || pass != "secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "acme corp", r.PathValue("tenant"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rows": []map[string]string{
				{"category_name": "Meals", "aliases": "Food", "max_amount": "40", "receipt_required": "Yes"},
			},
		})
	})

	src := newTestSource(t, mux, nil)
	rows, err := src.ListCategoryIndex(context.Background(), "acme corp")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.IndexRow{CategoryName: "Meals", Aliases: "Food", MaxAmount: "40", ReceiptRequired: "Yes"}, rows[0])
}

func TestHTTPSource_GetCategoryDetail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tenants/{tenant}/categories/{name}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Food & Beverage", r.PathValue("name"))
		_, _ = io.WriteString(w, `{
			"aliases": ["Drinks"],
			"validation_rules_override": {"max_amount": 55},
			"enrichment_rules": {"vendor_keywords": ["bar"], "time_based": [{"start_hour": 18, "end_hour": 22, "subcategory": "Dinner"}]}
		}`)
	})

	src := newTestSource(t, mux, nil)
	detail, err := src.GetCategoryDetail(context.Background(), "acme", "Food & Beverage")
	require.NoError(t, err)
	assert.Equal(t, []string{"Drinks"}, detail.Aliases)
	assert.Equal(t, 55.0, detail.ValidationRulesOverride["max_amount"])
	assert.Equal(t, []string{"bar"}, detail.EnrichmentRules.VendorKeywords)
	assert.Equal(t, "Dinner", detail.EnrichmentRules.TimeBased[0]["subcategory"])
}

func TestHTTPSource_ClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{status: http.StatusUnauthorized, want: domain.KindAuth},
		{status: http.StatusForbidden, want: domain.KindAuth},
		{status: http.StatusNotFound, want: domain.KindNotFound},
		{status: http.StatusRequestTimeout, want: domain.KindTransient},
		{status: http.StatusTooManyRequests, want: domain.KindTransient},
		{status: http.StatusInternalServerError, want: domain.KindTransient},
		{status: http.StatusBadGateway, want: domain.KindTransient},
		{status: http.StatusServiceUnavailable, want: domain.KindTransient},
		{status: http.StatusBadRequest, want: domain.KindParse},
		{status: http.StatusUnprocessableEntity, want: domain.KindParse},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}), nil)

			_, err := src.ListCategoryIndex(context.Background(), "acme")
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.KindOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPSource_MalformedBodyIsParseError(t *testing.T) {
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"rows": [`)
	}), nil)

	_, err := src.ListCategoryIndex(context.Background(), "acme")
	assert.Equal(t, domain.KindParse, domain.KindOf(err))
}

func TestHTTPSource_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), func(cfg *HTTPConfig) { cfg.RequestTimeout = 50 * time.Millisecond })

	_, err := src.ListCategoryIndex(context.Background(), "acme")
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
}

func TestHTTPSource_ConnectionRefusedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	src, err := NewHTTPSource(HTTPConfig{BaseURL: base, RequestTimeout: time.Second}, testLogger())
	require.NoError(t, err)

	_, err = src.GetCategoryDetail(context.Background(), "acme", "Meals")
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
}

func TestHTTPSource_CallerCancellationIsUnclassified(t *testing.T) {
	src := newTestSource(t, http.NotFoundHandler(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.ListCategoryIndex(ctx, "acme")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.KindUnknown, domain.KindOf(err))
}

func TestHTTPSource_ThrottledRequestWaitsForToken(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{}`)
	}), func(cfg *HTTPConfig) {
		cfg.RateLimits = map[string]governance.RateLimiterConfig{
			EndpointDetail: {RequestsPerSecond: 20, BurstSize: 1},
			EndpointIndex:  {RequestsPerSecond: 0.001, BurstSize: 1},
		}
	})

	start := time.Now()
	for _, category := range []string{"Meals", "Travel", "Lodging"} {
		_, err := src.GetCategoryDetail(context.Background(), "acme", category)
		require.NoError(t, err, category)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())

	_, err := src.ListCategoryIndex(context.Background(), "acme")
	assert.NoError(t, err, "index endpoint has its own bucket")
}

func TestHTTPSource_AbandonedThrottleWaitIsNotASourceFailure(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{}`)
	}), func(cfg *HTTPConfig) {
		cfg.RateLimits = map[string]governance.RateLimiterConfig{
			EndpointDetail: {RequestsPerSecond: 0.001, BurstSize: 1},
		}
	})
	breaker := governance.NewCircuitBreaker(governance.CircuitBreakerConfig{
		Name:      "policy-source",
		Threshold: 1,
		Cooldown:  time.Minute,
	}, testLogger())

	call := func(category string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		return breaker.ExecuteContext(ctx, func(ctx context.Context) error {
			_, err := src.GetCategoryDetail(ctx, "acme", category)
			return err
		})
	}

	require.NoError(t, call("Meals"))
	err := call("Travel")
	require.Error(t, err)
	assert.ErrorIs(t, err, governance.ErrRateLimited)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, governance.StateClosed, breaker.State())
}

func TestNewHTTPSource_RejectsBadConfig(t *testing.T) {
	for _, base := range []string{"", "   ", "ftp://example.com", "://bad"} {
		_, err := NewHTTPSource(HTTPConfig{BaseURL: base}, testLogger())
		assert.Error(t, err, base)
	}
}

func TestClassifyTransportError(t *testing.T) {
	err := classifyTransportError("op", context.DeadlineExceeded)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
