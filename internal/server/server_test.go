package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"testing/fstest"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/adamkimmins/polybot/internal/health"
	"github.com/adamkimmins/polybot/internal/observe"
	"github.com/adamkimmins/polybot/internal/server"
	"github.com/adamkimmins/polybot/internal/synth"
	"github.com/adamkimmins/polybot/internal/voice"
	"github.com/adamkimmins/polybot/pkg/audio"
	"github.com/adamkimmins/polybot/pkg/provider/tts"
	"github.com/adamkimmins/polybot/pkg/provider/tts/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	engine *mock.Engine
	srv    *httptest.Server
}

func newFixture(t *testing.T, cfg server.Config) *fixture {
	t.Helper()
	samples := make([]float32, 2400)
	for i := range samples {
		samples[i] = 0.25 * float32(math.Sin(float64(i)/10))
	}
	eng := &mock.Engine{
		Result: tts.Audio{Samples: samples, SampleRate: tts.SampleRate},
		Caps:   tts.Capabilities{Name: "mock", MaxConcurrent: 1, Cloning: true},
	}
	fsys := fstest.MapFS{
		"adam.wav":      {Data: []byte("RIFF")},
		"giulia_it.wav": {Data: []byte("RIFF")},
	}
	res := voice.NewResolver("/voices", voice.WithFS(fsys), voice.WithDefaultSpeaker("Ana Florence"))
	m := testMetrics(t)
	svc := synth.New(eng, res, synth.Config{DefaultVoice: "adam", DefaultLanguage: "en"}, synth.WithMetrics(m))

	cfg.Metrics = m
	srv := httptest.NewServer(server.New(svc, res, cfg))
	t.Cleanup(srv.Close)
	return &fixture{engine: eng, srv: srv}
}

func (f *fixture) post(t *testing.T, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/tts_stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST /tts_stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestTTSStream_ReferenceClone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{})

	resp := f.post(t, map[string]string{
		"text":              "Buongiorno, Sig. Rossi.",
		"language":          "it",
		"voice":             "giulia",
		"add_wav_header":    "true",
		"stream_chunk_size": "20",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %q", resp.StatusCode, readBody(t, resp))
	}

	want := map[string]string{
		"Content-Type":      "audio/wav",
		"Cache-Control":     "no-store",
		"X-TTS-Mode":        "reference_clone",
		"X-TTS-Speaker-Wav": "/voices/giulia_it.wav",
		"X-TTS-Voice":       "giulia",
		"X-TTS-Language":    "it",
		"X-TTS-Normalized":  "true",
	}
	for k, v := range want {
		if got := resp.Header.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if resp.Header.Get("X-TTS-Speaker") != "" {
		t.Error("X-TTS-Speaker must be absent for reference_clone")
	}
	if resp.Header.Get("X-TTS-Gain") == "" {
		t.Error("X-TTS-Gain missing")
	}

	body := []byte(readBody(t, resp))
	samples, rate, err := audio.DecodeWAV(body)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != tts.SampleRate || len(samples) != 2400 {
		t.Errorf("decoded %d samples at %d Hz, want 2400 at %d", len(samples), rate, tts.SampleRate)
	}

	calls := f.engine.Calls()
	if len(calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(calls))
	}
	if got := calls[0].Req.Text; got != "Buongiorno, Sig. Rossi" {
		t.Errorf("engine text = %q, want normalized Italian text", got)
	}
}

func TestTTSStream_BuiltInSpeaker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{})

	resp := f.post(t, map[string]string{"text": "hello", "speaker": "Claribel Dervla"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-TTS-Mode"); got != "builtin_speaker" {
		t.Errorf("X-TTS-Mode = %q", got)
	}
	if got := resp.Header.Get("X-TTS-Speaker"); got != "Claribel Dervla" {
		t.Errorf("X-TTS-Speaker = %q", got)
	}
	if resp.Header.Get("X-TTS-Speaker-Wav") != "" {
		t.Error("X-TTS-Speaker-Wav must be absent for builtin_speaker")
	}
	if got := resp.Header.Get("X-TTS-Language"); got != "en" {
		t.Errorf("X-TTS-Language = %q, want en", got)
	}
}

func TestTTSStream_MissingText(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{})

	resp := f.post(t, map[string]string{"voice": "adam"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := strings.TrimSpace(readBody(t, resp)); got != "Missing 'text' header" {
		t.Errorf("body = %q", got)
	}
	if got := resp.Header.Get("X-TTS-Mode"); got != "error" {
		t.Errorf("X-TTS-Mode = %q, want error", got)
	}
	if len(f.engine.Calls()) != 0 {
		t.Error("engine must not be called")
	}
}

func TestTTSStream_VoiceNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{})

	resp := f.post(t, map[string]string{"text": "hi", "voice": "adma", "language": "en", "speaker": "Ana Florence"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := resp.Header.Get("X-TTS-Mode"); got != "error" {
		t.Errorf("X-TTS-Mode = %q, want error", got)
	}
	body := readBody(t, resp)
	for _, want := range []string{"/voices/adma_en.wav", "/voices/adma.wav", "adam"} {
		if !strings.Contains(body, want) {
			t.Errorf("body %q missing %q", body, want)
		}
	}
	if len(f.engine.Calls()) != 0 {
		t.Error("engine must not be called")
	}
}

func TestTTSStream_EngineFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{})
	f.engine.Err = errors.New("coqui: status 500: CUDA error")

	resp := f.post(t, map[string]string{"text": "hi"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if got := resp.Header.Get("X-TTS-Mode"); got != "exception" {
		t.Errorf("X-TTS-Mode = %q, want exception", got)
	}
	if got := strings.TrimSpace(readBody(t, resp)); got != "coqui: status 500: CUDA error" {
		t.Errorf("body = %q", got)
	}

	// The process stays healthy for the next request.
	f.engine.Err = nil
	if resp := f.post(t, map[string]string{"text": "hi"}); resp.StatusCode != http.StatusOK {
		t.Errorf("follow-up status = %d, want 200", resp.StatusCode)
	}
}

func TestTTSStream_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{})

	resp, err := f.srv.Client().Get(f.srv.URL + "/tts_stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestVoices(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{})

	resp, err := f.srv.Client().Get(f.srv.URL + "/voices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Voices []voice.Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// giulia_it.wav is both the Italian file of "giulia" and a generic
	// voice named "giulia_it"; either request form resolves to it.
	want := []voice.Voice{
		{ID: "adam", Generic: true},
		{ID: "giulia", Languages: []string{"it"}},
		{ID: "giulia_it", Generic: true},
	}
	if len(body.Voices) != len(want) {
		t.Fatalf("voices = %+v, want %+v", body.Voices, want)
	}
	for i, w := range want {
		got := body.Voices[i]
		if got.ID != w.ID || got.Generic != w.Generic || !slices.Equal(got.Languages, w.Languages) {
			t.Errorf("voices[%d] = %+v, want %+v", i, got, w)
		}
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	f := newFixture(t, server.Config{
		Health:         health.New(health.Checker{Name: "engine", Check: func(context.Context) error { return nil }}),
		MetricsHandler: metrics,
	})

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
		"/missing": http.StatusNotFound,
	} {
		resp, err := f.srv.Client().Get(f.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{CORSAllowOrigin: "https://app.polybot.example"})

	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/tts_stream", nil)
	req.Header.Set("Origin", "https://app.polybot.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.polybot.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "speaker") {
		t.Errorf("Allow-Headers = %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}
	if len(f.engine.Calls()) != 0 {
		t.Error("preflight must not reach the engine")
	}

	resp = f.post(t, map[string]string{"text": "hi"})
	if !strings.Contains(resp.Header.Get("Access-Control-Expose-Headers"), "X-TTS-Mode") {
		t.Errorf("Expose-Headers = %q", resp.Header.Get("Access-Control-Expose-Headers"))
	}
}

func TestCORS_DisabledByDefault(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{})
	resp := f.post(t, map[string]string{"text": "hi"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

// stubSynth returns a fixed error for handler-level mapping tests.
type stubSynth struct{ err error }

func (s stubSynth) Synthesize(context.Context, synth.Request) (*synth.Result, error) {
	return nil, s.err
}

func TestTTSStream_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		status   int
		mode     string
		wantBody string
	}{
		{"input", &synth.InputError{Msg: "Missing 'text' header"}, 400, "error", "Missing 'text' header"},
		{"voice", &synth.VoiceResolutionError{VoiceID: "x", Language: "en", Candidates: []string{"/v/x_en.wav", "/v/x.wav"}}, 400, "error", "/v/x_en.wav"},
		{"synthesis", &synth.SynthesisError{Err: errors.New("boom")}, 500, "exception", "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := server.New(stubSynth{err: tt.err}, nil, server.Config{Metrics: testMetrics(t)})
			req := httptest.NewRequest(http.MethodPost, "/tts_stream", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("X-TTS-Mode"); got != tt.mode {
				t.Errorf("X-TTS-Mode = %q, want %q", got, tt.mode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want substring %q", rec.Body.String(), tt.wantBody)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", ct)
			}
		})
	}
}
