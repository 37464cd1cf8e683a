// Package coqui provides a tts.Engine backed by a Coqui XTTS v2 API server.
//
// Synthesis is a single POST /tts_to_audio/ with a JSON body. Reference
// cloning sends the resolved reference path as speaker_wav; built-in
// speakers are sent by name. The server must be able to read the reference
// path, so the voices directory is normally a shared volume.
//
// XTTS builds disagree on whether speaker_wav is a string or a list. A
// rejected single-path request is reported as tts.ErrUnsupportedShape so
// the caller can retry with the list form.
//
// Typical usage:
//
//	e, err := coqui.New("http://localhost:8020",
//	    coqui.WithTimeout(60*time.Second),
//	    coqui.WithMaxConcurrent(1),
//	)
//	audio, err := e.Synthesize(ctx, req)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adamkimmins/polybot/pkg/audio"
	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Engine = (*Engine)(nil)
	_ tts.Pinger = (*Engine)(nil)
)

// ---- constants ----

const (
	defaultTimeout       = 120 * time.Second
	defaultMaxConcurrent = 1
	ttsEndpoint          = "/tts_to_audio/"
	pingEndpoint         = "/docs"

	// maxErrorBody bounds how much of an error response is quoted back.
	maxErrorBody = 512
)

// ---- options ----

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithTimeout sets the per-request HTTP timeout. Defaults to 120 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. Its Timeout is left as set.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// WithMaxConcurrent declares how many requests the server handles at once.
// A single-GPU XTTS server is serial, which is the default. Zero means no
// limit.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		e.maxConcurrent = n
	}
}

// ---- Engine ----

// Engine implements tts.Engine against an XTTS v2 API server. It holds no
// per-request state and is safe for concurrent use; Capabilities reports
// how much concurrency the server itself tolerates.
type Engine struct {
	serverURL     string
	httpClient    *http.Client
	maxConcurrent int
}

// New creates an Engine targeting serverURL (e.g. "http://localhost:8020").
// serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:     strings.TrimRight(serverURL, "/"),
		maxConcurrent: defaultMaxConcurrent,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(e)
	}
	if e.maxConcurrent < 0 {
		return nil, fmt.Errorf("coqui: max concurrent must be >= 0, got %d", e.maxConcurrent)
	}
	return e, nil
}

// ---- internal request types ----

// ttsRequest is the JSON body sent to POST /tts_to_audio/. SpeakerWav is a
// string or a one-element list depending on the requested shape.
type ttsRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	SpeakerWav any    `json:"speaker_wav,omitempty"`
	Speaker    string `json:"speaker,omitempty"`
}

// Capabilities implements tts.Engine.
func (e *Engine) Capabilities() tts.Capabilities {
	return tts.Capabilities{Name: "coqui", MaxConcurrent: e.maxConcurrent, Cloning: true}
}

// Synthesize performs one POST /tts_to_audio/ call and decodes the WAV
// response.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	body := ttsRequest{Text: req.Text, Language: req.Language}
	switch req.Mode.Kind {
	case tts.ModeReferenceClone:
		if req.Shape == tts.ShapeSequence {
			body.SpeakerWav = []string{req.Mode.ReferencePath}
		} else {
			body.SpeakerWav = req.Mode.ReferencePath
		}
	case tts.ModeBuiltInSpeaker:
		body.Speaker = req.Mode.Speaker
	default:
		return tts.Audio{}, fmt.Errorf("coqui: %w: %v", tts.ErrModeUnsupported, req.Mode.Kind)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: POST %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := readDetail(resp.Body)
		if shapeRejected(resp.StatusCode, req) {
			return tts.Audio{}, fmt.Errorf("coqui: POST %s returned status %d: %s: %w", ttsEndpoint, resp.StatusCode, detail, tts.ErrUnsupportedShape)
		}
		return tts.Audio{}, fmt.Errorf("coqui: POST %s returned status %d: %s", ttsEndpoint, resp.StatusCode, detail)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	samples, rate, err := audio.DecodeWAV(wav)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: %w", err)
	}
	return tts.Audio{Samples: samples, SampleRate: rate}, nil
}

// Ping checks that the server answers HTTP at all.
func (e *Engine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+pingEndpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create ping request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", pingEndpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("coqui: GET %s returned status %d", pingEndpoint, resp.StatusCode)
	}
	return nil
}

// ---- helpers ----

// shapeRejected reports whether a failed response means the server refused
// the single-path speaker_wav form. FastAPI answers a body that fails
// validation with 422; some wrappers use 400.
func shapeRejected(status int, req tts.Request) bool {
	if req.Mode.Kind != tts.ModeReferenceClone || req.Shape != tts.ShapeSinglePath {
		return false
	}
	return status == http.StatusUnprocessableEntity || status == http.StatusBadRequest
}

// readDetail returns a short, single-line excerpt of an error body. JSON
// bodies with a "detail" field (FastAPI's error shape) yield that field.
func readDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var fastAPI struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &fastAPI) == nil && len(fastAPI.Detail) > 0 {
		var s string
		if json.Unmarshal(fastAPI.Detail, &s) == nil {
			return s
		}
		raw = fastAPI.Detail
	}
	return strings.Join(strings.Fields(string(raw)), " ")
}
