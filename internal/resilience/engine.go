package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

// GuardedEngine wraps a [tts.Engine] with a [CircuitBreaker]. Shape
// rejections, unsupported modes and caller cancellation do not count as
// backend failures.
type GuardedEngine struct {
	engine tts.Engine
	cb     *CircuitBreaker
}

// Compile-time interface assertions.
var (
	_ tts.Engine = (*GuardedEngine)(nil)
	_ tts.Pinger = (*GuardedEngine)(nil)
)

// NewGuardedEngine wraps engine. cfg.IsFailure is replaced by
// [IsEngineFailure]; cfg.Name defaults to the engine's name.
func NewGuardedEngine(engine tts.Engine, cfg CircuitBreakerConfig) *GuardedEngine {
	if cfg.Name == "" {
		cfg.Name = "tts/" + engine.Capabilities().Name
	}
	cfg.IsFailure = IsEngineFailure
	return &GuardedEngine{engine: engine, cb: NewCircuitBreaker(cfg)}
}

// IsEngineFailure reports whether err indicates an unhealthy backend.
func IsEngineFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, tts.ErrUnsupportedShape),
		errors.Is(err, tts.ErrModeUnsupported),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// Synthesize implements [tts.Engine].
func (g *GuardedEngine) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	var out tts.Audio
	err := g.cb.Execute(func() error {
		var err error
		out, err = g.engine.Synthesize(ctx, req)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return tts.Audio{}, fmt.Errorf("%s: %w", g.cb.name, err)
	}
	return out, err
}

// Capabilities implements [tts.Engine].
func (g *GuardedEngine) Capabilities() tts.Capabilities {
	return g.engine.Capabilities()
}

// Ping reports an open breaker as unhealthy, then defers to the wrapped
// engine when it implements [tts.Pinger].
func (g *GuardedEngine) Ping(ctx context.Context) error {
	if g.cb.State() == StateOpen {
		return fmt.Errorf("%s: %w", g.cb.name, ErrCircuitOpen)
	}
	if p, ok := g.engine.(tts.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close closes the wrapped engine if it holds resources.
func (g *GuardedEngine) Close() error {
	if c, ok := g.engine.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedEngine) Breaker() *CircuitBreaker { return g.cb }
