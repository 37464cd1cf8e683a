// Package app wires the polybot TTS subsystems into a running service.
//
// The App struct owns the full lifecycle: New connects the engine, voice
// resolver, synthesis service and HTTP surface, Run serves until the context
// is cancelled, and Shutdown tears everything down in order.
//
// The engine handle is built once by the caller and passed in. For testing,
// inject doubles via functional options (WithVoiceOptions, WithListener, etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adamkimmins/polybot/internal/config"
	"github.com/adamkimmins/polybot/internal/health"
	"github.com/adamkimmins/polybot/internal/observe"
	"github.com/adamkimmins/polybot/internal/resilience"
	"github.com/adamkimmins/polybot/internal/server"
	"github.com/adamkimmins/polybot/internal/synth"
	"github.com/adamkimmins/polybot/internal/textnorm"
	"github.com/adamkimmins/polybot/internal/voice"
	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the TTS service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	metrics        *observe.Metrics
	metricsHandler http.Handler

	voiceOpts  []voice.Option
	listener   net.Listener
	engine     *resilience.GuardedEngine
	resolver   *voice.Resolver
	synth      *synth.Service
	server     *server.Server
	httpServer *http.Server

	// closers are called in order during Shutdown. extraClosers come from
	// WithCloser and run after the engine is closed.
	closers      []func() error
	extraClosers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar sets the level variable adjusted on log level reloads.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithVoiceOptions passes extra options to the voice resolver, typically
// [voice.WithFS] in tests.
func WithVoiceOptions(opts ...voice.Option) Option {
	return func(a *App) { a.voiceOpts = append(a.voiceOpts, opts...) }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithCloser registers fn to run during Shutdown after the engine is
// closed, e.g. a telemetry provider shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.extraClosers = append(a.extraClosers, fn) }
}

// New creates an App around engine, which must not be nil. The engine is
// wrapped in a circuit breaker; if it implements [io.Closer] it is closed
// during Shutdown.
func New(ctx context.Context, cfg *config.Config, engine tts.Engine, opts ...Option) (*App, error) {
	if engine == nil {
		return nil, errors.New("app: engine is required")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Engine guard ──────────────────────────────────────────────────
	a.engine = resilience.NewGuardedEngine(engine, resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Engine.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.Engine.CircuitBreaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			a.logger.Warn("engine circuit breaker changed state",
				"breaker", name, "from", from.String(), "to", to.String())
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	if _, ok := engine.(io.Closer); ok {
		a.closers = append(a.closers, a.engine.Close)
	}
	a.closers = append(a.closers, a.extraClosers...)

	// ── 2. Voice resolver ────────────────────────────────────────────────
	vopts := []voice.Option{voice.WithDefaultSpeaker(cfg.Voices.DefaultSpeaker)}
	vopts = append(vopts, a.voiceOpts...)
	a.resolver = voice.NewResolver(cfg.Voices.Dir, vopts...)
	if err := a.resolver.Check(ctx); err != nil {
		a.logger.Warn("voices directory is not readable", "dir", cfg.Voices.Dir, "err", err)
	}

	// ── 3. Synthesis service ─────────────────────────────────────────────
	a.synth = synth.New(a.engine, a.resolver, synth.Config{
		DefaultVoice:         cfg.Voices.DefaultVoice,
		DefaultLanguage:      cfg.Voices.DefaultLanguage,
		MaxTextChars:         cfg.Server.MaxTextChars,
		RequestTimeout:       cfg.Server.RequestTimeout,
		MaxConcurrent:        cfg.Engine.MaxConcurrent,
		DisableNormalization: cfg.Audio.DisableNormalization,
		Rules:                textRules(cfg.Text),
	}, synth.WithMetrics(a.metrics), synth.WithLogger(a.logger))

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	checks := health.New(health.Voices(a.resolver), health.Engine(a.engine))
	a.server = server.New(a.synth, a.resolver, server.Config{
		CORSAllowOrigin: cfg.Server.CORSAllowOrigin,
		Metrics:         a.metrics,
		MetricsHandler:  a.metricsHandler,
		Health:          checks,
		Logger:          a.logger,
	})
	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	caps := engine.Capabilities()
	a.logger.Info("tts service initialised",
		"engine", caps.Name,
		"engine_max_concurrent", caps.MaxConcurrent,
		"slot_size", synth.SlotSize(caps.MaxConcurrent, cfg.Engine.MaxConcurrent),
		"voices_dir", cfg.Voices.Dir,
	)
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server }

// Synth returns the synthesis service.
func (a *App) Synth() *synth.Service { return a.synth }

// Engine returns the guarded engine.
func (a *App) Engine() *resilience.GuardedEngine { return a.engine }

// Run serves HTTP until ctx is cancelled or the server fails. A clean stop
// returns nil.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.logger.Info("http server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown error", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of next and logs every other
// change as requiring a restart. It is meant as a [config.Watcher]
// callback.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		a.logger.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.TextChanged {
		a.synth.SetRules(textRules(next.Text))
		a.logger.Info("text normalization rules reloaded",
			"sensitive_languages", next.Text.PunctuationSensitiveLanguages,
			"abbreviations", len(next.Text.Abbreviations),
		)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changed, restart required", "sections", d.RestartRequired)
	}
}

// Shutdown stops the HTTP server and runs the closers in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return config.DefaultShutdownTimeout
}

// textRules converts the text section into normalizer rules.
func textRules(tc config.TextConfig) textnorm.Rules {
	return textnorm.Rules{
		SensitiveLanguages: tc.PunctuationSensitiveLanguages,
		Abbreviations:      tc.Abbreviations,
	}
}
