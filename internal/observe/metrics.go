// Package observe provides application-wide observability primitives for
// Kakehashi: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Kakehashi metrics.
const meterName = "github.com/kakehashi-dev/kakehashi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of live media sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Audio counters ---

	// AudioBytesIn counts PCM bytes received from ACS.
	AudioBytesIn metric.Int64Counter

	// AudioBytesOut counts PCM bytes sent back to ACS.
	AudioBytesOut metric.Int64Counter

	// --- Bridge counters ---

	// AOAIReconnects counts supervisor reconnect attempts. Use with
	// attribute.String("status", "ok"|"error").
	AOAIReconnects metric.Int64Counter

	// BargeIns counts cancelled responses. Use with
	// attribute.String("trigger", "speech_started"|"phrase").
	BargeIns metric.Int64Counter

	// ResponsesCreated counts response.create events sent by the mediator.
	// Use with attribute.String("kind", "transcription"|"fallback_timer"|"grounded"|"fallback").
	ResponsesCreated metric.Int64Counter

	// --- Grounding ---

	// GroundingDuration tracks web-grounding agent call latency.
	GroundingDuration metric.Float64Histogram

	// GroundingOutcomes counts grounding dispatches. Use with
	// attribute.String("outcome", "ok"|"empty"|"timeout"|"error"|"skipped").
	GroundingOutcomes metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-bridge latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("kakehashi.active_sessions",
		metric.WithDescription("Number of live media sessions."),
	); err != nil {
		return nil, err
	}

	if met.AudioBytesIn, err = m.Int64Counter("kakehashi.audio.bytes_in",
		metric.WithDescription("PCM bytes received from ACS."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesOut, err = m.Int64Counter("kakehashi.audio.bytes_out",
		metric.WithDescription("PCM bytes sent to ACS."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if met.AOAIReconnects, err = m.Int64Counter("kakehashi.aoai.reconnects",
		metric.WithDescription("AOAI supervisor connect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("kakehashi.barge_ins",
		metric.WithDescription("Cancelled assistant responses by trigger."),
	); err != nil {
		return nil, err
	}
	if met.ResponsesCreated, err = m.Int64Counter("kakehashi.aoai.responses",
		metric.WithDescription("response.create events sent by the mediator, by kind."),
	); err != nil {
		return nil, err
	}

	if met.GroundingDuration, err = m.Float64Histogram("kakehashi.grounding.duration",
		metric.WithDescription("Latency of web-grounding agent calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GroundingOutcomes, err = m.Int64Counter("kakehashi.grounding.outcomes",
		metric.WithDescription("Grounding dispatch results by outcome."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("kakehashi.http.request.duration",
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

// RecordBargeIn records a cancelled response with its trigger.
func (m *Metrics) RecordBargeIn(ctx context.Context, trigger string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}

// RecordReconnect records one supervisor connect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.AOAIReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordResponseCreated records one response.create sent by the mediator.
func (m *Metrics) RecordResponseCreated(ctx context.Context, kind string) {
	m.ResponsesCreated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordGrounding records one grounding dispatch with its outcome and
// duration in seconds.
func (m *Metrics) RecordGrounding(ctx context.Context, outcome string, seconds float64) {
	m.GroundingOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.GroundingDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
