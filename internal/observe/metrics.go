// Package observe provides the service's observability primitives:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider], so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/adamkimmins/polybot"

// Metrics holds all OpenTelemetry metric instruments for the service.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks the full orchestrated synthesis, from
	// normalization through WAV encoding. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	SynthesisDuration metric.Float64Histogram

	// EngineDuration tracks a single engine call. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("shape", ...)
	EngineDuration metric.Float64Histogram

	// SlotWait tracks time spent waiting for the engine execution slot.
	SlotWait metric.Float64Histogram

	// --- Counters ---

	// EngineRequests counts engine calls. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("status", ...)
	EngineRequests metric.Int64Counter

	// EngineErrors counts failed engine calls. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("kind", ...)
	EngineErrors metric.Int64Counter

	// ShapeFallbacks counts retries with the sequence-wrapped reference.
	ShapeFallbacks metric.Int64Counter

	// VoiceResolutions counts resolver outcomes. Use with attribute:
	//   attribute.String("outcome", ...): reference_clone, builtin_speaker
	//   or not_found.
	VoiceResolutions metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attribute: attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Audio ---

	// NormalizationGain records the linear gain applied by level
	// normalization.
	NormalizationGain metric.Float64Histogram

	// AudioDuration records the length of returned audio in seconds.
	AudioDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSyntheses tracks requests currently inside the orchestrator.
	ActiveSyntheses metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...),
	// attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// batch synthesis, which ranges from sub-second to tens of seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// gainBuckets spans attenuation through the 8x gain cap.
var gainBuckets = []float64{
	0.25, 0.5, 0.75, 1, 1.5, 2, 3, 4, 6, 8,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("polybot.tts.synthesis.duration",
		metric.WithDescription("Latency of a complete synthesis request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineDuration, err = m.Float64Histogram("polybot.tts.engine.duration",
		metric.WithDescription("Latency of a single engine call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SlotWait, err = m.Float64Histogram("polybot.tts.slot.wait",
		metric.WithDescription("Time spent waiting for the engine execution slot."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EngineRequests, err = m.Int64Counter("polybot.tts.engine.requests",
		metric.WithDescription("Total engine calls by engine and status."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("polybot.tts.engine.errors",
		metric.WithDescription("Total engine errors by engine and kind."),
	); err != nil {
		return nil, err
	}
	if met.ShapeFallbacks, err = m.Int64Counter("polybot.tts.shape_fallbacks",
		metric.WithDescription("Total retries with the sequence-wrapped reference path."),
	); err != nil {
		return nil, err
	}
	if met.VoiceResolutions, err = m.Int64Counter("polybot.tts.voice.resolutions",
		metric.WithDescription("Total voice resolutions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("polybot.tts.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by target state."),
	); err != nil {
		return nil, err
	}

	// Audio.
	if met.NormalizationGain, err = m.Float64Histogram("polybot.tts.normalization.gain",
		metric.WithDescription("Linear gain applied by loudness normalization."),
		metric.WithExplicitBucketBoundaries(gainBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioDuration, err = m.Float64Histogram("polybot.tts.audio.duration",
		metric.WithDescription("Duration of synthesized audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSyntheses, err = m.Int64UpDownCounter("polybot.tts.active_syntheses",
		metric.WithDescription("Number of synthesis requests in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("polybot.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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
// first call using [otel.GetMeterProvider]. Call it after [InitProvider] so
// the instruments bind to the exporting provider. Panics if instrument
// creation fails (should not happen with the global provider).
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

// RecordEngineRequest records one engine call: its latency, the request
// counter and, for failures, the error counter. kind classifies failures
// (e.g. "unsupported_shape", "timeout", "error") and is ignored when status
// is "ok".
func (m *Metrics) RecordEngineRequest(ctx context.Context, engine, shape, status, kind string, seconds float64) {
	m.EngineDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("shape", shape),
		),
	)
	m.EngineRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("status", status),
		),
	)
	if status != "ok" {
		m.EngineErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("engine", engine),
				attribute.String("kind", kind),
			),
		)
	}
}

// RecordVoiceResolution records a resolver outcome.
func (m *Metrics) RecordVoiceResolution(ctx context.Context, outcome string) {
	m.VoiceResolutions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordSynthesis records the end-to-end latency of one request.
func (m *Metrics) RecordSynthesis(ctx context.Context, mode, status string, seconds float64) {
	m.SynthesisDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("to", to),
		),
	)
}
