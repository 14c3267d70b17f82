// Package observe provides application-wide observability primitives for
// Halyard: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Halyard metrics.
const meterName = "github.com/halyard-ai/halyard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage execution latency. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end pipeline run latency. Use with:
	//   attribute.String("topology", ...), attribute.String("outcome", ...)
	PipelineDuration metric.Float64Histogram

	// TTFT tracks time from pipeline start to the first LLM token.
	TTFT metric.Float64Histogram

	// TTFA tracks time from pipeline start to the first synthesised audio chunk.
	TTFA metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("operation", ...),
	//   attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("operation", ...)
	ProviderErrors metric.Int64Counter

	// BreakerDenials counts circuit-breaker denials (would-be denials in
	// observe-only mode). Use with attributes:
	//   attribute.String("operation", ...), attribute.String("provider", ...),
	//   attribute.Bool("enforced", ...)
	BreakerDenials metric.Int64Counter

	// PolicyDecisions counts policy gateway outcomes. Use with attributes:
	//   attribute.String("checkpoint", ...), attribute.String("decision", ...)
	PolicyDecisions metric.Int64Counter

	// ContractViolations counts projector delivery-contract violations. Use
	// with attribute:
	//   attribute.String("kind", ...) — "duplicate_chat_complete" or
	//   "missing_chat_complete"
	ContractViolations metric.Int64Counter

	// EventsEmitted counts WebSocket messages projected to clients. Use with
	// attribute:
	//   attribute.String("type", ...)
	EventsEmitted metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveRuns tracks the number of pipeline runs currently executing.
	ActiveRuns metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("halyard.stage.duration",
		metric.WithDescription("Latency of individual pipeline stages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("halyard.pipeline.duration",
		metric.WithDescription("End-to-end pipeline run latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTFT, err = m.Float64Histogram("halyard.pipeline.ttft",
		metric.WithDescription("Time from pipeline start to first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTFA, err = m.Float64Histogram("halyard.pipeline.ttfa",
		metric.WithDescription("Time from pipeline start to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("halyard.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("halyard.provider.requests",
		metric.WithDescription("Total provider API requests by provider, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("halyard.provider.errors",
		metric.WithDescription("Total provider errors by provider and operation."),
	); err != nil {
		return nil, err
	}
	if met.BreakerDenials, err = m.Int64Counter("halyard.breaker.denials",
		metric.WithDescription("Circuit-breaker denials, including observe-only would-be denials."),
	); err != nil {
		return nil, err
	}
	if met.PolicyDecisions, err = m.Int64Counter("halyard.policy.decisions",
		metric.WithDescription("Policy gateway decisions by checkpoint and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ContractViolations, err = m.Int64Counter("halyard.projector.contract_violations",
		metric.WithDescription("Delivery-contract violations detected by the projector."),
	); err != nil {
		return nil, err
	}
	if met.EventsEmitted, err = m.Int64Counter("halyard.projector.events_emitted",
		metric.WithDescription("WebSocket messages projected to clients by type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("halyard.active_connections",
		metric.WithDescription("Number of live WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("halyard.active_runs",
		metric.WithDescription("Number of pipeline runs currently executing."),
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, operation, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, operation string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
		),
	)
}

// RecordBreakerDenial records a circuit-breaker denial. enforced is false for
// observe-only would-be denials.
func (m *Metrics) RecordBreakerDenial(ctx context.Context, operation, provider string, enforced bool) {
	m.BreakerDenials.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("provider", provider),
			attribute.Bool("enforced", enforced),
		),
	)
}

// RecordPolicyDecision records a policy gateway outcome.
func (m *Metrics) RecordPolicyDecision(ctx context.Context, checkpoint, decision string) {
	m.PolicyDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("checkpoint", checkpoint),
			attribute.String("decision", decision),
		),
	)
}

// RecordContractViolation records a projector delivery-contract violation.
func (m *Metrics) RecordContractViolation(ctx context.Context, kind string) {
	m.ContractViolations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
