package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/policy-resolver/pkg/domain"
)

// Metrics holds the Prometheus collectors for policy resolution. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	resolutions        *prometheus.CounterVec
	fetches            *prometheus.CounterVec
	fetchDuration      prometheus.Histogram
	circuitState       prometheus.Gauge
	circuitTransitions *prometheus.CounterVec
	retryAttempts      *prometheus.CounterVec
	skippedCategories  prometheus.Counter
	safeModeFailures   prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry registers the collectors on registry.
func NewMetricsWithRegistry(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_resolutions_total",
				Help: "Policy resolutions by degradation level",
			},
			[]string{"level"},
		),

		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_fetch_total",
				Help: "Remote fetch cycles by outcome",
			},
			[]string{"outcome"},
		),

		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "policy_fetch_duration_seconds",
				Help:    "Duration of remote fetch cycles including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		circuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "policy_circuit_state",
				Help: "Policy source circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_circuit_transitions_total",
				Help: "Circuit breaker transitions by target state",
			},
			[]string{"to"},
		),

		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_retry_attempts_total",
				Help: "Failed source call attempts by error kind",
			},
			[]string{"kind"},
		),

		skippedCategories: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "policy_assembly_skipped_categories_total",
				Help: "Categories dropped during assembly because their detail fetch failed",
			},
		),

		safeModeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "policy_safe_mode_load_failures_total",
				Help: "Failed attempts to load the safe mode artifact",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_admin_http_requests_total",
				Help: "Admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policy_admin_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.resolutions,
		m.fetches,
		m.fetchDuration,
		m.circuitState,
		m.circuitTransitions,
		m.retryAttempts,
		m.skippedCategories,
		m.safeModeFailures,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordResolution counts a resolve() result.
func (m *Metrics) RecordResolution(level domain.DegradationLevel) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(level.String()).Inc()
}

// RecordFetch records a completed fetch cycle.
func (m *Metrics) RecordFetch(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(duration.Seconds())
}

// RecordCircuitTransition updates the breaker gauge and transition counter.
// States are the breaker's string names.
func (m *Metrics) RecordCircuitTransition(to string) {
	if m == nil {
		return
	}
	m.circuitTransitions.WithLabelValues(to).Inc()
	m.circuitState.Set(circuitStateValue(to))
}

func circuitStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordRetryAttempt counts a failed source call attempt.
func (m *Metrics) RecordRetryAttempt(kind domain.ErrorKind) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(kind.String()).Inc()
}

// RecordSkippedCategory counts a category dropped during assembly.
func (m *Metrics) RecordSkippedCategory() {
	if m == nil {
		return
	}
	m.skippedCategories.Inc()
}

// RecordSafeModeLoadFailure counts a failed safe mode load.
func (m *Metrics) RecordSafeModeLoadFailure() {
	if m == nil {
		return
	}
	m.safeModeFailures.Inc()
}

// RecordHTTPRequest records an admin HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// endpointName collapses tenant-specific paths to keep label cardinality bounded.
func endpointName(path string) string {
	switch {
	case path == "/healthz":
		return "healthz"
	case path == "/metrics":
		return "metrics"
	case path == "/v1/breaker":
		return "breaker"
	case path == "/v1/policies/invalidate":
		return "invalidate"
	case strings.HasPrefix(path, "/v1/policies/") && strings.HasSuffix(path, "/categories"):
		return "categories"
	case strings.HasPrefix(path, "/v1/policies/"):
		return "policy"
	default:
		return "unknown"
	}
}
