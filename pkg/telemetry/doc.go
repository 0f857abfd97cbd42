// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the policy resolver.
//
// Metrics holds the resolver-level Prometheus collectors on an owned
// registry. Source calls are additionally recorded through the OpenTelemetry
// metric API so they land next to the spans produced for the same call.
// SetupProvider bootstraps the process-wide tracer provider.
package telemetry
