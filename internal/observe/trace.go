package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the service tracer.
const tracerName = "github.com/adamkimmins/polybot"

// Span attribute keys shared by the synthesis pipeline.
const (
	AttrMode         = attribute.Key("tts.mode")
	AttrVoice        = attribute.Key("tts.voice")
	AttrLanguage     = attribute.Key("tts.language")
	AttrEngine       = attribute.Key("tts.engine")
	AttrShape        = attribute.Key("tts.shape")
	AttrGain         = attribute.Key("tts.audio.gain")
	AttrAudioSeconds = attribute.Key("tts.audio.seconds")
)

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartEngineSpan starts a client span around one engine call, tagged with
// the engine name and reference shape.
func StartEngineSpan(ctx context.Context, engine, shape string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tts.engine.Synthesize",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrEngine.String(engine), AttrShape.String(shape)),
	)
}

// SynthesisAttributes describes a resolved request: voice mode, voice id
// and language.
func SynthesisAttributes(mode, voiceID, language string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMode.String(mode),
		AttrVoice.String(voiceID),
		AttrLanguage.String(language),
	}
}

// AnnotateAudio records the applied level gain and output length on the
// span in ctx. It is a no-op without a recording span.
func AnnotateAudio(ctx context.Context, gain float64, dur time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(AttrGain.Float64(gain), AttrAudioSeconds.Float64(dur.Seconds()))
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// no valid span. It is echoed to clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base enriched with trace_id and span_id from the span in
// ctx. A nil base means [slog.Default].
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return base.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return base
}
