package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/policy-resolver/pkg/domain"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	sourceCallCounter      metric.Int64Counter
	sourceErrorCounter     metric.Int64Counter
	sourceLatencyHistogram metric.Float64Histogram
)

// SourceCall captures one outbound call to the remote policy source.
type SourceCall struct {
	Endpoint   string
	TenantID   string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// RecordSourceCall emits OpenTelemetry counters and histograms for a call to
// the remote policy source.
func RecordSourceCall(ctx context.Context, call SourceCall) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("policy.source.endpoint", call.Endpoint),
		attribute.String("policy.tenant_id", call.TenantID),
		attribute.Int("http.response.status_code", call.StatusCode),
	}

	sourceCallCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if call.Duration > 0 {
		sourceLatencyHistogram.Record(ctx, float64(call.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if call.Err != nil {
		errAttrs := append(attrs, attribute.String("policy.source.error_kind", domain.KindOf(call.Err).String()))
		sourceErrorCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("policy.source")

		sourceCallCounter, metricsInitErr = meter.Int64Counter(
			"policy.source.calls_total",
			metric.WithDescription("Calls to the remote policy source"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sourceErrorCounter, metricsInitErr = meter.Int64Counter(
			"policy.source.errors_total",
			metric.WithDescription("Failed calls to the remote policy source by error kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sourceLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"policy.source.duration_ms",
			metric.WithDescription("Observed policy source call latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordResolution annotates span with the outcome of a resolve call.
func RecordResolution(span trace.Span, tenantID string, level domain.DegradationLevel, categories int) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("policy.tenant_id", tenantID),
		attribute.String("policy.degradation_level", level.String()),
		attribute.Int("policy.categories.count", categories),
	)

	if level.Degraded() {
		span.AddEvent("policy.degraded", trace.WithAttributes(
			attribute.String("policy.degradation_level", level.String()),
		))
	}
}
