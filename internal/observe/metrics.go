// Package observe provides application-wide observability primitives: Otel
// metrics, distributed tracing, structured logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all metrics in this
// system.
const meterName = "github.com/telephony-asr/bridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptLatency tracks time from SendFrame to a resolved
	// transcript (the [internal/session.PendingTracker] processing-time
	// sample).
	TranscriptLatency metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FramesPublished counts audio frames published to the pub/sub audio
	// topic. Use with attribute.String("tenant_id", ...).
	FramesPublished metric.Int64Counter

	// FramesSuppressed counts frames dropped by the audio quality gate.
	FramesSuppressed metric.Int64Counter

	// Reconnects counts ASR provider session reconnection attempts. Use
	// with attribute.String("outcome", ...); the session manager records
	// "attempted" each time it schedules a reconnect.
	Reconnects metric.Int64Counter

	// CircuitBreakerTransitions counts state transitions. Use with
	// attribute.String("name", ...), attribute.String("to", ...).
	CircuitBreakerTransitions metric.Int64Counter

	// ProviderErrors counts provider-reported errors. Use with
	// attribute.String("provider", ...), attribute.String("kind", ...).
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live provider sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open ingest WebSocket
	// connections.
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// speech-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptLatency, err = m.Float64Histogram("bridge.transcript.latency",
		metric.WithDescription("Latency from audio frame send to resolved transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("bridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.FramesPublished, err = m.Int64Counter("bridge.frames.published",
		metric.WithDescription("Total audio frames published to the pub/sub audio topic."),
	); err != nil {
		return nil, err
	}
	if met.FramesSuppressed, err = m.Int64Counter("bridge.frames.suppressed",
		metric.WithDescription("Total audio frames suppressed by the quality gate."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("bridge.asr.reconnects",
		metric.WithDescription("Total ASR provider session reconnection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CircuitBreakerTransitions, err = m.Int64Counter("bridge.circuit_breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("bridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("bridge.active_sessions",
		metric.WithDescription("Number of live ASR provider sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("bridge.active_connections",
		metric.WithDescription("Number of open ingest WebSocket connections."),
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

// RecordFramePublished is a convenience method for incrementing
// FramesPublished with the standard attribute set.
func (m *Metrics) RecordFramePublished(ctx context.Context, tenantID string) {
	m.FramesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// RecordFrameSuppressed is a convenience method for incrementing
// FramesSuppressed.
func (m *Metrics) RecordFrameSuppressed(ctx context.Context, tenantID string) {
	m.FramesSuppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// RecordReconnect is a convenience method for incrementing Reconnects with
// the standard attribute set.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCircuitBreakerTransition is a convenience method for incrementing
// CircuitBreakerTransitions.
func (m *Metrics) RecordCircuitBreakerTransition(ctx context.Context, name, to string) {
	m.CircuitBreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("to", to),
	))
}

// RecordProviderError is a convenience method for incrementing
// ProviderErrors with the standard attribute set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
