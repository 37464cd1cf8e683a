// Package tts defines the Engine interface for speech synthesis backends.
//
// An engine wraps a synthesis model (a Coqui XTTS server, a local worker
// process, or a hosted speech API) behind a single blocking call: text in,
// raw floating-point samples out. Everything around that call (text
// normalization, voice resolution, loudness processing, WAV encoding) lives
// in the caller.
//
// Engines declare how many calls they accept at once through Capabilities.
// Callers must not assume an engine is safe for concurrent use beyond that.
package tts

import (
	"context"
	"errors"
)

// ErrUnsupportedShape is returned by an engine when the reference-audio
// calling convention in Request.Shape is rejected by the model's interface.
// It is a capability-negotiation result, not a synthesis failure: callers
// retry once with the other shape.
var ErrUnsupportedShape = errors.New("tts: reference shape not supported by engine")

// ErrModeUnsupported is returned when an engine cannot synthesize in the
// requested Mode at all (e.g. a hosted API that has no voice cloning).
var ErrModeUnsupported = errors.New("tts: synthesis mode not supported by engine")

// Engine is the abstraction over a synthesis backend.
type Engine interface {
	// Synthesize renders req.Text and returns mono samples at the engine's
	// native rate. Amplitude is unconstrained.
	//
	// Synthesize must honour ctx cancellation. It returns an error wrapping
	// ErrUnsupportedShape when only the reference shape was rejected.
	Synthesize(ctx context.Context, req Request) (Audio, error)

	// Capabilities reports the engine's concurrency contract and identity.
	Capabilities() Capabilities
}

// Pinger is implemented by engines that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
