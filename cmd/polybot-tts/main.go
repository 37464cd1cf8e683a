// Command polybot-tts is the main entry point for the polybot text-to-speech
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamkimmins/polybot/internal/app"
	"github.com/adamkimmins/polybot/internal/config"
	"github.com/adamkimmins/polybot/internal/observe"
	"github.com/adamkimmins/polybot/pkg/provider/tts"
	"github.com/adamkimmins/polybot/pkg/provider/tts/coqui"
	ttsexec "github.com/adamkimmins/polybot/pkg/provider/tts/exec"
	"github.com/adamkimmins/polybot/pkg/provider/tts/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "polybot-tts: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "polybot-tts: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := newLogger(cfg.Server.LogLevel, level)
	slog.SetDefault(logger)

	slog.Info("polybot-tts starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"engine", cfg.Engine.Name,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		StdoutTraces:   cfg.Telemetry.StdoutTraces,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	engine, err := reg.CreateEngine(cfg.Engine)
	if err != nil {
		slog.Error("failed to create engine", "engine", cfg.Engine.Name, "err", err)
		return 1
	}
	caps := engine.Capabilities()
	slog.Info("engine created",
		"engine", caps.Name,
		"max_concurrent", caps.MaxConcurrent,
		"cloning", caps.Cloning,
	)

	// Workers that load a model up front are started now so the first
	// request does not pay for it.
	if s, ok := engine.(interface{ Start() error }); ok {
		if err := s.Start(); err != nil {
			slog.Warn("engine warm-up failed, retrying on first request", "engine", caps.Name, "err", err)
		}
	}

	application, err := app.New(ctx, cfg, engine,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(telemetry.MetricsHandler),
		app.WithCloser(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return telemetry.Shutdown(ctx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithLogger(logger))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltinEngines wires all built-in engine factories into reg.
func registerBuiltinEngines(reg *config.Registry) {
	reg.RegisterEngine("coqui", func(entry config.EngineConfig) (tts.Engine, error) {
		var opts []coqui.Option
		if entry.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(entry.Timeout))
		}
		// options.server_concurrency declares what the XTTS server itself
		// handles; 0 means unlimited. max_concurrent only caps our side.
		if n, ok := optInt(entry.Options, "server_concurrency"); ok {
			opts = append(opts, coqui.WithMaxConcurrent(n))
		} else if entry.MaxConcurrent > 0 {
			opts = append(opts, coqui.WithMaxConcurrent(entry.MaxConcurrent))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterEngine("exec", func(entry config.EngineConfig) (tts.Engine, error) {
		var opts []ttsexec.Option
		if env := optStrings(entry.Options, "env"); len(env) > 0 {
			opts = append(opts, ttsexec.WithEnv(env...))
		}
		return ttsexec.New(entry.Command, opts...)
	})

	reg.RegisterEngine("openai", func(entry config.EngineConfig) (tts.Engine, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(entry.Timeout))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return openai.New(apiKey, entry.Model, opts...)
	})

	for _, name := range reg.Engines() {
		slog.Debug("registered engine", "name", name)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. Its level is held in lv so config
// reloads can change it.
func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	lv.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from an engine Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from an engine Options map. YAML integers
// decode as int; whole floats are accepted too.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// optStrings extracts a list of strings from an engine Options map. YAML
// sequences decode as []any; non-string elements are skipped.
func optStrings(opts map[string]any, key string) []string {
	list, _ := opts[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
