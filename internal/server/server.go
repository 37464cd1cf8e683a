// Package server exposes the synthesis service over HTTP.
//
// The main endpoint is POST /tts_stream, which reads its parameters from
// request headers and answers with a complete WAV file. Metadata about how
// the audio was produced travels back in X-TTS-* response headers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/adamkimmins/polybot/internal/health"
	"github.com/adamkimmins/polybot/internal/observe"
	"github.com/adamkimmins/polybot/internal/synth"
	"github.com/adamkimmins/polybot/internal/voice"
	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

// Request header names read by /tts_stream.
const (
	HeaderText     = "text"
	HeaderLanguage = "language"
	HeaderVoice    = "voice"
	HeaderSpeaker  = "speaker"
)

// Response metadata headers.
const (
	HeaderMode       = "X-TTS-Mode"
	HeaderSpeakerWav = "X-TTS-Speaker-Wav"
	HeaderSpeakerOut = "X-TTS-Speaker"
	HeaderVoiceOut   = "X-TTS-Voice"
	HeaderLangOut    = "X-TTS-Language"
	HeaderNormalized = "X-TTS-Normalized"
	HeaderGain       = "X-TTS-Gain"
)

// X-TTS-Mode values for failed requests.
const (
	ModeError     = "error"
	ModeException = "exception"
)

// Synthesizer runs one synthesis request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error)
}

// VoiceLister lists the voices available for cloning.
type VoiceLister interface {
	List() ([]voice.Voice, error)
}

// Config configures a [Server].
type Config struct {
	// CORSAllowOrigin enables CORS for the given origin when non-empty.
	CORSAllowOrigin string

	// Metrics records per-request HTTP metrics. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler is mounted at GET /metrics when non-nil.
	MetricsHandler http.Handler

	// Health is mounted at /healthz and /readyz when non-nil.
	Health *health.Handler

	// Logger is the base logger. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Server routes HTTP requests to the synthesis service.
type Server struct {
	synth   Synthesizer
	voices  VoiceLister
	logger  *slog.Logger
	handler http.Handler
}

// New builds a Server. voices may be nil, in which case GET /voices is not
// registered.
func New(s Synthesizer, voices VoiceLister, cfg Config) *Server {
	srv := &Server{synth: s, voices: voices, logger: cfg.Logger}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tts_stream", srv.handleTTSStream)
	if voices != nil {
		mux.HandleFunc("GET /voices", srv.handleVoices)
	}
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	var h http.Handler = mux
	if cfg.CORSAllowOrigin != "" {
		h = cors(cfg.CORSAllowOrigin, h)
	}
	srv.handler = observe.Middleware(cfg.Metrics, srv.logger)(h)
	return srv
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// handleTTSStream serves POST /tts_stream. The add_wav_header and
// stream_chunk_size headers sent by older clients are ignored: the response
// is always a complete WAV file.
func (s *Server) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	req := synth.Request{
		Text:     r.Header.Get(HeaderText),
		Language: r.Header.Get(HeaderLanguage),
		Voice:    r.Header.Get(HeaderVoice),
		Speaker:  r.Header.Get(HeaderSpeaker),
	}

	res, err := s.synth.Synthesize(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "audio/wav")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(res.WAV)))
	h.Set(HeaderMode, res.Mode.Kind.String())
	switch res.Mode.Kind {
	case tts.ModeReferenceClone:
		h.Set(HeaderSpeakerWav, res.Mode.ReferencePath)
	case tts.ModeBuiltInSpeaker:
		h.Set(HeaderSpeakerOut, res.Mode.Speaker)
	}
	if res.Voice != "" {
		h.Set(HeaderVoiceOut, res.Voice)
	}
	h.Set(HeaderLangOut, res.Language)
	h.Set(HeaderNormalized, strconv.FormatBool(res.Normalized))
	h.Set(HeaderGain, strconv.FormatFloat(res.Gain, 'f', 4, 64))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.WAV); err != nil {
		observe.Logger(r.Context(), s.logger).Debug("client went away during write", "err", err)
	}
}

// writeError maps err to a plain-text response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := synth.StatusCode(err)
	mode := ModeError
	if status >= http.StatusInternalServerError {
		mode = ModeException
	}
	log := observe.Logger(r.Context(), s.logger)
	switch {
	case errors.Is(r.Context().Err(), context.Canceled):
		log.Debug("synthesis abandoned by client", "err", err)
	case status >= http.StatusInternalServerError:
		log.Error("synthesis failed", "err", err)
	default:
		log.Info("synthesis rejected", "status", status, "err", err)
	}

	w.Header().Set(HeaderMode, mode)
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, err.Error(), status)
}

type voicesResponse struct {
	Voices []voice.Voice `json:"voices"`
}

// handleVoices serves GET /voices.
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.voices.List()
	if err != nil {
		observe.Logger(r.Context(), s.logger).Error("list voices", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if voices == nil {
		voices = []voice.Voice{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(voicesResponse{Voices: voices}); err != nil {
		observe.Logger(r.Context(), s.logger).Debug("encode voices", "err", err)
	}
}

// exposedHeaders are readable by browser clients under CORS.
var exposedHeaders = strings.Join([]string{
	HeaderMode, HeaderSpeakerWav, HeaderSpeakerOut, HeaderVoiceOut,
	HeaderLangOut, HeaderNormalized, HeaderGain, "X-Correlation-ID",
}, ", ")

// allowedHeaders are the request headers clients may send under CORS.
var allowedHeaders = strings.Join([]string{
	HeaderText, HeaderLanguage, HeaderVoice, HeaderSpeaker,
	"add_wav_header", "stream_chunk_size", "Content-Type", "traceparent",
}, ", ")

// cors adds CORS headers for origin and answers preflight requests.
func cors(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Expose-Headers", exposedHeaders)
		if origin != "*" {
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowedHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
