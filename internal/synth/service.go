// Package synth orchestrates a single text-to-speech request: it validates
// and normalizes the text, resolves the voice, calls the engine through an
// execution slot, post-processes the audio and encodes it as WAV.
//
// Every request is independent. The only shared state is the engine handle,
// the resolver, and the current normalizer, which can be swapped at runtime
// with [Service.SetRules].
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/adamkimmins/polybot/internal/observe"
	"github.com/adamkimmins/polybot/internal/textnorm"
	"github.com/adamkimmins/polybot/internal/voice"
	"github.com/adamkimmins/polybot/pkg/audio"
	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

// MissingTextMsg is the InputError message for an empty text.
const MissingTextMsg = "Missing 'text' header"

// Request is one synthesis request as received from a client.
type Request struct {
	Text     string
	Language string
	Voice    string
	Speaker  string
}

// Result is a synthesized clip and the metadata describing how it was made.
type Result struct {
	// WAV is 16-bit PCM mono at tts.SampleRate, with a RIFF header.
	WAV []byte

	// Mode is the resolved synthesis mode.
	Mode tts.Mode

	// Voice is the voice id used for resolution, after defaults.
	Voice string

	// Language is the language used, after defaults.
	Language string

	// Normalized reports whether level normalization ran.
	Normalized bool

	// Gain is the linear gain applied by normalization, 1 when skipped.
	Gain float64

	// Duration is the length of the returned audio.
	Duration time.Duration
}

// Config configures a [Service].
type Config struct {
	// DefaultVoice is used when a request names neither voice nor speaker.
	DefaultVoice string

	// DefaultLanguage is used when a request has no language.
	DefaultLanguage string

	// MaxTextChars rejects longer text. Zero or negative disables the check.
	MaxTextChars int

	// RequestTimeout bounds the slot wait plus the engine calls. Zero
	// disables it.
	RequestTimeout time.Duration

	// MaxConcurrent caps the execution slot below the engine's declared
	// limit. Zero keeps the engine's limit.
	MaxConcurrent int

	// DisableNormalization skips level normalization and clipping.
	DisableNormalization bool

	// Rules configures the text normalizer.
	Rules textnorm.Rules
}

// Service is the synthesis orchestrator. It is safe for concurrent use.
type Service struct {
	engine   tts.Engine
	resolver *voice.Resolver
	metrics  *observe.Metrics
	logger   *slog.Logger
	cfg      Config

	// slot is nil when the engine has no concurrency limit.
	slot *semaphore.Weighted

	normalizer atomic.Pointer[textnorm.Normalizer]
}

// Option is a functional option for [New].
type Option func(*Service)

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New builds a Service around engine and resolver.
func New(engine tts.Engine, resolver *voice.Resolver, cfg Config, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		resolver: resolver,
		cfg:      cfg,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if n := SlotSize(engine.Capabilities().MaxConcurrent, cfg.MaxConcurrent); n > 0 {
		s.slot = semaphore.NewWeighted(int64(n))
	}
	s.normalizer.Store(textnorm.New(cfg.Rules))
	return s
}

// SlotSize combines the engine's declared limit with the configured cap.
// Zero means unlimited.
func SlotSize(engineMax, configured int) int {
	switch {
	case engineMax <= 0:
		return max(configured, 0)
	case configured <= 0:
		return engineMax
	default:
		return min(engineMax, configured)
	}
}

// SetRules atomically replaces the text normalizer. In-flight requests keep
// the normalizer they started with.
func (s *Service) SetRules(r textnorm.Rules) {
	s.normalizer.Store(textnorm.New(r))
}

// Normalizer returns the current text normalizer.
func (s *Service) Normalizer() *textnorm.Normalizer {
	return s.normalizer.Load()
}

// Synthesize runs the full pipeline for req. Errors are *InputError,
// *VoiceResolutionError or *SynthesisError; use [StatusCode] to map them.
func (s *Service) Synthesize(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "synth.Synthesize")
	defer span.End()

	s.metrics.ActiveSyntheses.Add(ctx, 1)
	defer s.metrics.ActiveSyntheses.Add(ctx, -1)

	modeLabel := "none"
	defer func() {
		status := "ok"
		if err != nil {
			status = errorKind(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.RecordSynthesis(ctx, modeLabel, status, time.Since(start).Seconds())
	}()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, &InputError{Msg: MissingTextMsg}
	}
	if s.cfg.MaxTextChars > 0 && utf8.RuneCountInString(text) > s.cfg.MaxTextChars {
		return nil, &InputError{Msg: fmt.Sprintf("Text exceeds %d characters", s.cfg.MaxTextChars)}
	}

	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	voiceID := strings.TrimSpace(req.Voice)
	speaker := strings.TrimSpace(req.Speaker)
	if voiceID == "" && speaker == "" {
		voiceID = s.cfg.DefaultVoice
	}

	normalized := s.normalizer.Load().Normalize(text, lang)

	mode, err := s.resolver.Resolve(voiceID, lang, speaker)
	if err != nil {
		s.metrics.RecordVoiceResolution(ctx, "not_found")
		var nf *voice.NotFoundError
		if errors.As(err, &nf) {
			return nil, &VoiceResolutionError{
				VoiceID:     nf.VoiceID,
				Language:    nf.Language,
				Candidates:  nf.Candidates,
				Suggestions: nf.Suggestions,
				Err:         err,
			}
		}
		return nil, &VoiceResolutionError{VoiceID: voiceID, Language: lang, Err: err}
	}
	modeLabel = mode.Kind.String()
	s.metrics.RecordVoiceResolution(ctx, modeLabel)
	span.SetAttributes(observe.SynthesisAttributes(modeLabel, voiceID, lang)...)

	raw, err := s.invoke(ctx, tts.Request{Text: normalized, Language: lang, Mode: mode})
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}
	if len(raw.Samples) == 0 {
		return nil, &SynthesisError{Err: errors.New("engine returned no audio")}
	}

	samples := raw.Samples
	if raw.SampleRate != tts.SampleRate {
		samples = audio.Resample(samples, raw.SampleRate, tts.SampleRate)
	}
	gain := 1.0
	if !s.cfg.DisableNormalization {
		samples, gain = audio.NormalizeLevel(samples)
		s.metrics.NormalizationGain.Record(ctx, gain)
	}

	wav, err := audio.EncodeWAV(samples, tts.SampleRate)
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}
	dur := time.Duration(len(samples)) * time.Second / tts.SampleRate
	s.metrics.AudioDuration.Record(ctx, dur.Seconds())
	observe.AnnotateAudio(ctx, gain, dur)

	observe.Logger(ctx, s.logger).Debug("synthesis complete",
		"mode", modeLabel,
		"voice", voiceID,
		"language", lang,
		"gain", gain,
		"audio", dur,
	)

	return &Result{
		WAV:        wav,
		Mode:       mode,
		Voice:      voiceID,
		Language:   lang,
		Normalized: !s.cfg.DisableNormalization,
		Gain:       gain,
		Duration:   dur,
	}, nil
}

// invoke acquires the execution slot and calls the engine, negotiating the
// reference shape for clone requests: a single path first, then one retry
// with the sequence form if and only if the engine rejected the shape.
func (s *Service) invoke(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	if s.slot != nil {
		waitStart := time.Now()
		if err := s.slot.Acquire(ctx, 1); err != nil {
			return tts.Audio{}, fmt.Errorf("waiting for engine slot: %w", err)
		}
		defer s.slot.Release(1)
		s.metrics.SlotWait.Record(ctx, time.Since(waitStart).Seconds())
	}

	req.Shape = tts.ShapeSinglePath
	out, err := s.call(ctx, req)
	if err == nil || req.Mode.Kind != tts.ModeReferenceClone || !errors.Is(err, tts.ErrUnsupportedShape) {
		return out, err
	}

	s.metrics.ShapeFallbacks.Add(ctx, 1)
	observe.Logger(ctx, s.logger).Info("engine rejected single reference path, retrying as sequence",
		"engine", s.engine.Capabilities().Name,
		"err", err,
	)
	req.Shape = tts.ShapeSequence
	return s.call(ctx, req)
}

// call performs one engine call and records its metrics.
func (s *Service) call(ctx context.Context, req tts.Request) (tts.Audio, error) {
	name := s.engine.Capabilities().Name
	ctx, span := observe.StartEngineSpan(ctx, name, req.Shape.String())
	defer span.End()

	start := time.Now()
	out, err := s.engine.Synthesize(ctx, req)
	status, kind := "ok", ""
	if err != nil {
		status, kind = "error", engineErrorKind(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	s.metrics.RecordEngineRequest(ctx, name, req.Shape.String(), status, kind, time.Since(start).Seconds())
	return out, err
}

// engineErrorKind classifies an engine error for metrics.
func engineErrorKind(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, tts.ErrUnsupportedShape):
		return "unsupported_shape"
	case errors.Is(err, tts.ErrModeUnsupported):
		return "unsupported_mode"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return "canceled"
	default:
		return "error"
	}
}

// errorKind labels a Synthesize error for the synthesis histogram.
func errorKind(err error) string {
	var (
		inputErr *InputError
		voiceErr *VoiceResolutionError
	)
	switch {
	case errors.As(err, &inputErr):
		return "invalid_input"
	case errors.As(err, &voiceErr):
		return "voice_not_found"
	default:
		return "engine_error"
	}
}
