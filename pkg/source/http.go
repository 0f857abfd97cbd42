package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/policy-resolver/internal/governance"
	"github.com/polisai/policy-resolver/pkg/domain"
	"github.com/polisai/policy-resolver/pkg/telemetry"
)

const (
	// EndpointIndex and EndpointDetail name the rate-limited endpoints.
	EndpointIndex  = "index"
	EndpointDetail = "detail"

	opListIndex = "list_category_index"
	opGetDetail = "get_category_detail"

	maxResponseBytes = 4 << 20
)

// HTTPConfig configures the HTTP policy source.
type HTTPConfig struct {
	BaseURL        string
	Username       string
	APIToken       string
	RequestTimeout time.Duration
	// RateLimits are keyed by EndpointIndex / EndpointDetail.
	RateLimits map[string]governance.RateLimiterConfig
	// Transport overrides the base round tripper. It is still wrapped with
	// OpenTelemetry instrumentation.
	Transport http.RoundTripper
}

// HTTPSource reads the category index and detail pages from the remote
// policy store's JSON API.
type HTTPSource struct {
	baseURL    *url.URL
	username   string
	apiToken   string
	httpClient *http.Client
	limiter    *governance.RateLimiter
	logger     *slog.Logger
}

var _ domain.PolicySource = (*HTTPSource)(nil)

type indexResponse struct {
	Rows []domain.IndexRow `json:"rows"`
}

// NewHTTPSource validates cfg and builds the source.
func NewHTTPSource(cfg HTTPConfig, logger *slog.Logger) (*HTTPSource, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("policy source base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid policy source base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid policy source base URL scheme %q", base.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPSource{
		baseURL:  base,
		username: cfg.Username,
		apiToken: cfg.APIToken,
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
		limiter: governance.NewRateLimiter(cfg.RateLimits),
		logger:  logger,
	}, nil
}

// ListCategoryIndex returns the tenant's category index rows.
func (s *HTTPSource) ListCategoryIndex(ctx context.Context, tenantID string) ([]domain.IndexRow, error) {
	var resp indexResponse
	path := s.path("tenants", tenantID, "categories")
	if err := s.get(ctx, opListIndex, EndpointIndex, tenantID, path, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// GetCategoryDetail returns the detail page for one category.
func (s *HTTPSource) GetCategoryDetail(ctx context.Context, tenantID, categoryName string) (*domain.CategoryDetail, error) {
	var detail domain.CategoryDetail
	path := s.path("tenants", tenantID, "categories", categoryName)
	if err := s.get(ctx, opGetDetail, EndpointDetail, tenantID, path, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// RateLimitStats exposes the outbound limiter state.
func (s *HTTPSource) RateLimitStats() map[string]governance.RateLimitStats {
	return s.limiter.Stats()
}

func (s *HTTPSource) path(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return s.baseURL.String() + "/" + strings.Join(escaped, "/")
}

func (s *HTTPSource) get(ctx context.Context, op, endpoint, tenantID, target string, out any) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "policy.source."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("policy.tenant_id", tenantID),
			attribute.String("policy.source.endpoint", endpoint),
		))
	start := time.Now()
	status := 0
	defer func() {
		telemetry.RecordSourceCall(ctx, telemetry.SourceCall{
			Endpoint:   endpoint,
			TenantID:   tenantID,
			StatusCode: status,
			Duration:   time.Since(start),
			Err:        err,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.KindOf(err).String())
		}
		span.End()
	}()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return classifyTransportError(op, ctxErr)
	}
	// Throttling waits for a token. Giving up is a local condition, so the
	// error is returned as is and the breaker ignores it.
	if err := s.limiter.Wait(ctx, endpoint); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.NewParseError(op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if s.username != "" || s.apiToken != "" {
		req.SetBasicAuth(s.username, s.apiToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(op, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()
	status = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(op, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return domain.NewParseError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// classifyTransportError maps client-side failures. Caller cancellation is
// passed through unclassified so it is neither retried nor counted by the
// breaker.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewTransientError(op, err)
}

func classifyStatus(op string, status int, body string) error {
	err := fmt.Errorf("policy source returned status %d", status)
	if body != "" {
		err = fmt.Errorf("policy source returned status %d: %s", status, body)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewAuthError(op, err)
	case status == http.StatusNotFound:
		return domain.NewNotFoundError(op, err)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return domain.NewTransientError(op, err)
	default:
		return domain.NewParseError(op, err)
	}
}
