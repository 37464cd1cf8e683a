// Package mock provides a test double for the tts.Engine interface.
//
// Use Engine to return controlled audio and to verify which requests reach
// the backend. Errors can be scripted per reference shape to exercise the
// calling-convention fallback.
//
// Example:
//
//	e := &mock.Engine{
//	    Result:   tts.Audio{Samples: []float32{0.1, -0.2}, SampleRate: 24000},
//	    ShapeErr: map[tts.Shape]error{tts.ShapeSinglePath: tts.ErrUnsupportedShape},
//	}
//	audio, err := e.Synthesize(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Engine is a mock implementation of tts.Engine.
type Engine struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Result is returned by Synthesize when no error applies. The samples are
	// copied per call.
	Result tts.Audio

	// Err, if non-nil, is returned from every Synthesize call.
	Err error

	// ShapeErr returns an error for requests with the given Shape. It is
	// consulted before Err and only for ModeReferenceClone requests.
	ShapeErr map[tts.Shape]error

	// Delay blocks each call for the given duration or until ctx is done.
	Delay time.Duration

	// Caps is returned by Capabilities.
	Caps tts.Capabilities

	// PingErr is returned by Ping.
	PingErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	inFlight    int
	maxInFlight int
}

// Synthesize records the call and returns the configured result.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	e.mu.Lock()
	e.SynthesizeCalls = append(e.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	e.inFlight++
	e.maxInFlight = max(e.maxInFlight, e.inFlight)
	delay := e.Delay
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		case <-t.C:
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if req.Mode.Kind == tts.ModeReferenceClone {
		if err, ok := e.ShapeErr[req.Shape]; ok && err != nil {
			return tts.Audio{}, err
		}
	}
	if e.Err != nil {
		return tts.Audio{}, e.Err
	}
	samples := make([]float32, len(e.Result.Samples))
	copy(samples, e.Result.Samples)
	rate := e.Result.SampleRate
	if rate == 0 {
		rate = tts.SampleRate
	}
	return tts.Audio{Samples: samples, SampleRate: rate}, nil
}

// Capabilities returns Caps, defaulting the name to "mock".
func (e *Engine) Capabilities() tts.Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	caps := e.Caps
	if caps.Name == "" {
		caps.Name = "mock"
	}
	return caps
}

// Ping returns PingErr.
func (e *Engine) Ping(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.PingErr
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (e *Engine) Calls() []SynthesizeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SynthesizeCall, len(e.SynthesizeCalls))
	copy(out, e.SynthesizeCalls)
	return out
}

// MaxInFlight returns the highest number of concurrent Synthesize calls
// observed.
func (e *Engine) MaxInFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxInFlight
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SynthesizeCalls = nil
	e.maxInFlight = 0
}

// Ensure Engine implements tts.Engine at compile time.
var (
	_ tts.Engine = (*Engine)(nil)
	_ tts.Pinger = (*Engine)(nil)
)
