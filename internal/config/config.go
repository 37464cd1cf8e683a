// Package config provides the configuration schema, loader, watcher, and
// engine registry for the polybot TTS service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its [slog.Level]. Unknown or empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults applied by [LoadFromReader] to zero-valued fields.
const (
	DefaultListenAddr      = ":8000"
	DefaultRequestTimeout  = 120 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultMaxTextChars    = 5000
	DefaultEngine          = "coqui"
	DefaultEngineURL       = "http://localhost:8020"
	DefaultVoicesDir       = "voices"
	DefaultVoice           = "adam"
	DefaultSpeaker         = "Ana Florence"
	DefaultLanguage        = "en"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Voices    VoicesConfig    `yaml:"voices"`
	Text      TextConfig      `yaml:"text"`
	Audio     AudioConfig     `yaml:"audio"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// RequestTimeout bounds a single synthesis, including the wait for the
	// engine slot.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxTextChars rejects longer text with 400. Zero means the default;
	// a negative value disables the limit.
	MaxTextChars int `yaml:"max_text_chars"`

	// CORSAllowOrigin, when set, is sent as Access-Control-Allow-Origin
	// and enables OPTIONS preflight handling.
	CORSAllowOrigin string `yaml:"cors_allow_origin"`
}

// EngineConfig selects and configures the synthesis backend. Name is used to
// look up the constructor in the [Registry].
type EngineConfig struct {
	// Name selects the registered engine ("coqui", "exec", "openai").
	Name string `yaml:"name"`

	// BaseURL is the backend endpoint for HTTP engines.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against hosted engines. ${VAR} references are
	// expanded from the environment.
	APIKey string `yaml:"api_key"`

	// Model selects a model within the engine.
	Model string `yaml:"model"`

	// Command is the worker command line for the exec engine.
	Command string `yaml:"command"`

	// MaxConcurrent caps parallel engine calls. Zero keeps the engine's own
	// declared limit.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Timeout bounds a single engine call. Zero keeps the engine default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds engine-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// CircuitBreaker tunes the breaker guarding the engine.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig tunes the engine circuit breaker. Zero values use the
// breaker defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// VoicesConfig locates the reference clips and the request defaults.
type VoicesConfig struct {
	// Dir holds {voice}.wav and {voice}_{language}.wav files.
	Dir string `yaml:"dir"`

	// DefaultVoice is used when a request names neither voice nor speaker.
	DefaultVoice string `yaml:"default_voice"`

	// DefaultSpeaker is the built-in speaker used when no voice is given.
	DefaultSpeaker string `yaml:"default_speaker"`

	// DefaultLanguage is used when a request has no language header.
	DefaultLanguage string `yaml:"default_language"`
}

// TextConfig configures text normalization. Hot-reloadable.
type TextConfig struct {
	// PunctuationSensitiveLanguages get the full rewrite pipeline.
	PunctuationSensitiveLanguages []string `yaml:"punctuation_sensitive_languages"`

	// Abbreviations are protected from sentence-end rewriting.
	Abbreviations []string `yaml:"abbreviations"`
}

// AudioConfig configures post-processing.
type AudioConfig struct {
	// DisableNormalization returns engine audio without level
	// normalization or clipping.
	DisableNormalization bool `yaml:"disable_normalization"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}
