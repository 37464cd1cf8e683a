// Package openai provides a tts.Engine backed by the OpenAI speech API.
//
// The API has preset voices only, so the engine serves built-in speaker
// requests and rejects reference cloning with tts.ErrModeUnsupported.
// Audio is requested as raw PCM, which the API delivers as 24 kHz signed
// 16-bit little-endian mono.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/adamkimmins/polybot/pkg/audio"
	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = "gpt-4o-mini-tts"

// pcmSampleRate is the fixed rate of response_format=pcm.
const pcmSampleRate = 24000

// Ensure Engine implements the tts.Engine interface.
var _ tts.Engine = (*Engine)(nil)

// Engine implements tts.Engine using the OpenAI API. The API client is
// safe for concurrent use.
type Engine struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the engine.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	httpClient   *http.Client
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs an Engine. If model is empty, DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	// Failed calls surface to the HTTP client, which decides whether to retry.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Engine{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Capabilities implements tts.Engine.
func (e *Engine) Capabilities() tts.Capabilities {
	return tts.Capabilities{Name: "openai", MaxConcurrent: 0, Cloning: false}
}

// Synthesize implements tts.Engine. The speaker name is lower-cased to match
// the API's voice ids ("Alloy" and "alloy" both work).
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if req.Mode.Kind != tts.ModeBuiltInSpeaker {
		return tts.Audio{}, fmt.Errorf("openai tts: %w: %v", tts.ErrModeUnsupported, req.Mode.Kind)
	}
	voice := strings.ToLower(strings.TrimSpace(req.Mode.Speaker))
	if voice == "" {
		return tts.Audio{}, errors.New("openai tts: speaker must not be empty")
	}

	resp, err := e.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(e.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai tts: read audio: %w", err)
	}
	return tts.Audio{Samples: audio.PCM16ToFloat32(pcm), SampleRate: pcmSampleRate}, nil
}
