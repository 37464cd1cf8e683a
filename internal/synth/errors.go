package synth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/adamkimmins/polybot/internal/voice"
)

// InputError is a client-correctable problem with the request itself.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// VoiceResolutionError reports an explicitly requested voice with no
// reference file. Candidates lists every path tried, in order.
type VoiceResolutionError struct {
	VoiceID     string
	Language    string
	Candidates  []string
	Suggestions []string
	Err         error
}

func (e *VoiceResolutionError) Error() string {
	var b strings.Builder
	b.WriteString("Voice '")
	b.WriteString(e.VoiceID)
	b.WriteString("' not found for language '")
	b.WriteString(e.Language)
	b.WriteString("'.")
	if len(e.Candidates) > 0 {
		b.WriteString(" Tried: ")
		b.WriteString(strings.Join(e.Candidates, ", "))
		b.WriteString(".")
	} else if errors.Is(e.Err, voice.ErrInvalidName) {
		b.WriteString(" The voice or language is not a valid file name.")
	}
	if len(e.Suggestions) > 0 {
		b.WriteString(" Did you mean: ")
		b.WriteString(strings.Join(e.Suggestions, ", "))
		b.WriteString("?")
	}
	return b.String()
}

func (e *VoiceResolutionError) Unwrap() error { return e.Err }

// SynthesisError wraps any engine failure that survived shape negotiation.
// Its message is the engine's, passed through for diagnosis.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	if e.Err == nil {
		return "synthesis failed"
	}
	return e.Err.Error()
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// StatusCode maps an error returned by [Service.Synthesize] to an HTTP
// status: 400 for input and voice errors, 500 for everything else.
func StatusCode(err error) int {
	var (
		inputErr *InputError
		voiceErr *VoiceResolutionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &inputErr), errors.As(err, &voiceErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
