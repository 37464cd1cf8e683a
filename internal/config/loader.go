package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownEngines lists the engine names the service ships factories for.
// [Validate] rejects anything else.
var KnownEngines = []string{"coqui", "exec", "openai"}

// envRef matches ${NAME} references in secret fields.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, expands
// environment references, and validates the result. An empty document
// yields the all-defaults config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	cfg.Engine.APIKey = expandEnv(cfg.Engine.APIKey)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxTextChars == 0 {
		cfg.Server.MaxTextChars = DefaultMaxTextChars
	}
	if cfg.Engine.Name == "" {
		cfg.Engine.Name = DefaultEngine
	}
	if cfg.Engine.Name == "coqui" && cfg.Engine.BaseURL == "" {
		cfg.Engine.BaseURL = DefaultEngineURL
	}
	if cfg.Voices.Dir == "" {
		cfg.Voices.Dir = DefaultVoicesDir
	}
	if cfg.Voices.DefaultVoice == "" {
		cfg.Voices.DefaultVoice = DefaultVoice
	}
	if cfg.Voices.DefaultSpeaker == "" {
		cfg.Voices.DefaultSpeaker = DefaultSpeaker
	}
	if cfg.Voices.DefaultLanguage == "" {
		cfg.Voices.DefaultLanguage = DefaultLanguage
	}
}

// expandEnv replaces ${NAME} references with the environment value. Unset
// variables expand to "" and are logged.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config: environment variable referenced but not set", "var", name)
		}
		return v
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout %s must not be negative", cfg.Server.RequestTimeout))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Engine
	if cfg.Engine.Name != "" && !slices.Contains(KnownEngines, cfg.Engine.Name) {
		errs = append(errs, fmt.Errorf("engine.name %q is unknown; valid values: %v", cfg.Engine.Name, KnownEngines))
	}
	if cfg.Engine.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent %d must not be negative", cfg.Engine.MaxConcurrent))
	}
	if cfg.Engine.Timeout < 0 {
		errs = append(errs, fmt.Errorf("engine.timeout %s must not be negative", cfg.Engine.Timeout))
	}
	if cfg.Engine.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("engine.circuit_breaker.max_failures %d must not be negative", cfg.Engine.CircuitBreaker.MaxFailures))
	}
	if cfg.Engine.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("engine.circuit_breaker.reset_timeout %s must not be negative", cfg.Engine.CircuitBreaker.ResetTimeout))
	}
	switch cfg.Engine.Name {
	case "coqui":
		if cfg.Engine.BaseURL == "" {
			errs = append(errs, errors.New("engine.base_url is required for the coqui engine"))
		}
	case "exec":
		if cfg.Engine.Command == "" {
			errs = append(errs, errors.New("engine.command is required for the exec engine"))
		}
	case "openai":
		if cfg.Engine.APIKey == "" {
			slog.Warn("engine.api_key is empty; the openai engine will fall back to OPENAI_API_KEY")
		}
	}

	// Voices
	if cfg.Voices.Dir == "" {
		errs = append(errs, errors.New("voices.dir is required"))
	}

	// Text
	for i, a := range cfg.Text.Abbreviations {
		if a == "" {
			errs = append(errs, fmt.Errorf("text.abbreviations[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}
