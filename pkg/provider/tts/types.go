package tts

import "fmt"

// SampleRate is the output rate of the service in Hz.
const SampleRate = 24000

// ModeKind discriminates the two synthesis modes.
type ModeKind int

const (
	// ModeReferenceClone clones the timbre of a reference WAV file.
	ModeReferenceClone ModeKind = iota + 1

	// ModeBuiltInSpeaker selects a preset voice shipped with the engine.
	ModeBuiltInSpeaker
)

// String returns the wire name used in response metadata.
func (k ModeKind) String() string {
	switch k {
	case ModeReferenceClone:
		return "reference_clone"
	case ModeBuiltInSpeaker:
		return "builtin_speaker"
	default:
		return fmt.Sprintf("ModeKind(%d)", int(k))
	}
}

// Mode is the resolved synthesis mode. Exactly one of ReferencePath and
// Speaker is set, according to Kind. Use ReferenceClone or BuiltInSpeaker
// to construct one.
type Mode struct {
	Kind          ModeKind
	ReferencePath string
	Speaker       string
}

// ReferenceClone returns a Mode that clones the voice in path.
func ReferenceClone(path string) Mode {
	return Mode{Kind: ModeReferenceClone, ReferencePath: path}
}

// BuiltInSpeaker returns a Mode that uses the named preset speaker.
func BuiltInSpeaker(name string) Mode {
	return Mode{Kind: ModeBuiltInSpeaker, Speaker: name}
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m.Kind {
	case ModeReferenceClone:
		return "ReferenceClone(" + m.ReferencePath + ")"
	case ModeBuiltInSpeaker:
		return "BuiltInSpeaker(" + m.Speaker + ")"
	default:
		return m.Kind.String()
	}
}

// Shape selects how a reference path is handed to the model. Some model
// builds take a single path, others insist on a one-element sequence.
type Shape int

const (
	// ShapeSinglePath passes the reference as a bare path.
	ShapeSinglePath Shape = iota

	// ShapeSequence wraps the reference path in a one-element list.
	ShapeSequence
)

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s == ShapeSequence {
		return "sequence"
	}
	return "single"
}

// Request is a single synthesis call.
type Request struct {
	// Text is the already-normalized input.
	Text string

	// Language is the language code forwarded to the model (e.g. "en", "it").
	Language string

	// Mode selects reference cloning or a built-in speaker.
	Mode Mode

	// Shape is only meaningful for ModeReferenceClone.
	Shape Shape
}

// Audio is raw engine output.
type Audio struct {
	// Samples are mono, nominally in [-1, 1] but not guaranteed.
	Samples []float32

	// SampleRate is the rate of Samples in Hz.
	SampleRate int
}

// Capabilities describes an engine's contract with its caller.
type Capabilities struct {
	// Name identifies the backend in logs and metrics (e.g. "coqui").
	Name string

	// MaxConcurrent is the number of Synthesize calls the engine accepts at
	// once. Zero means no limit.
	MaxConcurrent int

	// Cloning reports whether ModeReferenceClone is supported.
	Cloning bool
}
