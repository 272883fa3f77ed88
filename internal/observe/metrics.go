// Package observe provides application-wide observability primitives for
// Chronoxa: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter installed by [InitProvider]. [DefaultMetrics] is a
// package-level instance for production wiring; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Chronoxa metrics.
const meterName = "github.com/MrWong99/chronoxa"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// LLMDuration tracks model completion latency.
	LLMDuration metric.Float64Histogram

	// GatewayDuration tracks calendar gateway call latency. Attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	GatewayDuration metric.Float64Histogram

	// OrchestratorRounds tracks how many model rounds a request needed.
	OrchestratorRounds metric.Int64Histogram

	// ProviderRequests counts LLM API calls by provider and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts LLM errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// ToolCalls counts dispatched tool calls by tool and status.
	ToolCalls metric.Int64Counter

	// Confirmations counts confirmation requests by kind.
	Confirmations metric.Int64Counter

	// LedgerDecisions counts idempotency outcomes (replay, retry_later,
	// fingerprint, claimed, lost).
	LedgerDecisions metric.Int64Counter

	// HeadlessRequests counts headless executions by outcome.
	HeadlessRequests metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for remote model
// and calendar API round trips.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

var roundBuckets = []float64{1, 2, 3, 4, 5, 6, 8, 12, 16}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("chronoxa.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GatewayDuration, err = m.Float64Histogram("chronoxa.gateway.duration",
		metric.WithDescription("Latency of calendar gateway operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OrchestratorRounds, err = m.Int64Histogram("chronoxa.orchestrator.rounds",
		metric.WithDescription("Model rounds used per assistant request."),
		metric.WithExplicitBucketBoundaries(roundBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("chronoxa.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("chronoxa.provider.requests",
		metric.WithDescription("Total LLM provider requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("chronoxa.provider.errors",
		metric.WithDescription("Total LLM provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("chronoxa.tool.calls",
		metric.WithDescription("Total tool dispatches by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Confirmations, err = m.Int64Counter("chronoxa.confirmations",
		metric.WithDescription("Confirmation requests returned to clients by kind."),
	); err != nil {
		return nil, err
	}
	if met.LedgerDecisions, err = m.Int64Counter("chronoxa.ledger.decisions",
		metric.WithDescription("Idempotency decisions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.HeadlessRequests, err = m.Int64Counter("chronoxa.headless.requests",
		metric.WithDescription("Headless executions by outcome."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one LLM request.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one LLM failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records one dispatched tool call and its gateway latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.GatewayDuration.Record(ctx, seconds, attrs)
}

// RecordConfirmation records a confirmation request of the given kind.
func (m *Metrics) RecordConfirmation(ctx context.Context, kind string) {
	m.Confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordLedgerDecision records an idempotency outcome.
func (m *Metrics) RecordLedgerDecision(ctx context.Context, outcome string) {
	m.LedgerDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordHeadless records a finished headless execution.
func (m *Metrics) RecordHeadless(ctx context.Context, outcome string) {
	m.HeadlessRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
