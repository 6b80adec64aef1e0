// Package observe provides application-wide observability primitives for
// toolbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all toolbridge metrics.
const meterName = "github.com/MrWong99/toolbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// QueryDuration tracks end-to-end query resolution latency.
	QueryDuration metric.Float64Histogram

	// ModelCallDuration tracks a single LLM completion round-trip.
	ModelCallDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Queries counts resolved queries. Use with attribute:
	//   attribute.String("status", "ok" | "failed")
	Queries metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ModelCalls counts LLM completion requests. Use with attribute:
	//   attribute.String("status", ...)
	ModelCalls metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts completion provider errors.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveQueries tracks the number of queries currently in flight.
	ActiveQueries metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second tool calls and multi-second model round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.QueryDuration, err = m.Float64Histogram("toolbridge.query.duration",
		metric.WithDescription("End-to-end query resolution latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelCallDuration, err = m.Float64Histogram("toolbridge.model_call.duration",
		metric.WithDescription("Latency of a single LLM completion request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("toolbridge.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Queries, err = m.Int64Counter("toolbridge.queries",
		metric.WithDescription("Total resolved queries by status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("toolbridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ModelCalls, err = m.Int64Counter("toolbridge.model.calls",
		metric.WithDescription("Total LLM completion requests by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("toolbridge.provider.errors",
		metric.WithDescription("Total completion provider errors."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveQueries, err = m.Int64UpDownCounter("toolbridge.active_queries",
		metric.WithDescription("Number of queries currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records a tool invocation with its latency and outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolExecutionDuration.Record(ctx, seconds, attrs)
}

// RecordModelCall records a completion request with its latency and outcome.
func (m *Metrics) RecordModelCall(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ModelCalls.Add(ctx, 1, attrs)
	m.ModelCallDuration.Record(ctx, seconds, attrs)
	if status != "ok" {
		m.ProviderErrors.Add(ctx, 1)
	}
}
