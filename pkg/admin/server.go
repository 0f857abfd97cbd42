// Package admin exposes policy resolution over HTTP for operators and
// downstream services.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/policy-resolver/internal/governance"
	"github.com/polisai/policy-resolver/pkg/domain"
	"github.com/polisai/policy-resolver/pkg/storage"
	"github.com/polisai/policy-resolver/pkg/telemetry"
)

// Resolver is the subset of the policy resolver served over HTTP.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) (*domain.PolicyData, domain.DegradationLevel, error)
	Invalidate(tenantID string)
	CacheStats() storage.CacheStats
	BreakerStats() (governance.CircuitBreakerStats, bool)
}

// PolicyResponse is returned by GET /v1/policies/{tenant}.
type PolicyResponse struct {
	Policy           *domain.PolicyData      `json:"policy"`
	DegradationLevel domain.DegradationLevel `json:"degradation_level"`
}

// CategoriesResponse is returned by GET /v1/policies/{tenant}/categories.
type CategoriesResponse struct {
	TenantID         string                  `json:"tenant_id"`
	Categories       []string                `json:"categories"`
	Count            int                     `json:"count"`
	DegradationLevel domain.DegradationLevel `json:"degradation_level"`
}

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status  string             `json:"status"`
	Circuit string             `json:"circuit,omitempty"`
	Cache   storage.CacheStats `json:"cache"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the admin and lookup endpoints.
type Server struct {
	resolver Resolver
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	http     *http.Server
}

// NewServer builds a server listening on addr. metrics may be nil.
func NewServer(addr string, resolver Resolver, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{resolver: resolver, metrics: metrics, logger: logger}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/breaker", s.handleBreaker)
	mux.HandleFunc("POST /v1/policies/invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /v1/policies/{tenant}", s.handlePolicy)
	mux.HandleFunc("GET /v1/policies/{tenant}/categories", s.handleCategories)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var h http.Handler = mux
	if s.metrics != nil {
		h = s.metrics.MetricsMiddleware(h)
	}
	return otelhttp.NewHandler(h, "policy-admin")
}

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Admin server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{Status: "healthy", Cache: s.resolver.CacheStats()}
	if stats, ok := s.resolver.BreakerStats(); ok {
		status.Circuit = stats.State
		if stats.State == string(governance.StateOpen) {
			status.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	stats, ok := s.resolver.BreakerStats()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no circuit breaker configured"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	s.resolver.Invalidate(tenant)
	if tenant == "" {
		tenant = "*"
	}
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": tenant})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	p, level, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if category := r.URL.Query().Get("category"); category != "" {
		p = p.Filter(strings.Split(category, ",")...)
	}
	writeJSON(w, http.StatusOK, PolicyResponse{Policy: p, DegradationLevel: level})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	p, level, ok := s.resolve(w, r)
	if !ok {
		return
	}
	names := p.CategoryNames()
	writeJSON(w, http.StatusOK, CategoriesResponse{
		TenantID:         p.TenantID,
		Categories:       names,
		Count:            len(names),
		DegradationLevel: level,
	})
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (*domain.PolicyData, domain.DegradationLevel, bool) {
	tenant := r.PathValue("tenant")
	p, level, err := s.resolver.Resolve(r.Context(), tenant)
	switch {
	case err == nil:
		if level.Degraded() {
			w.Header().Set("X-Policy-Degradation", level.String())
		}
		return p, level, true
	case errors.Is(err, domain.ErrInvalidTenant):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrSafeModeLoad):
		s.logger.Error("No policy available for tenant", "tenant_id", tenant, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no policy available"})
	default:
		s.logger.Error("Policy resolution failed", "tenant_id", tenant, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "policy resolution failed"})
	}
	return nil, level, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
