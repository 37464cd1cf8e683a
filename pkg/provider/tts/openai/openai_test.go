package openai_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/adamkimmins/polybot/pkg/provider/tts"
	"github.com/adamkimmins/polybot/pkg/provider/tts/openai"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out
}

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestSynthesize_BuiltInSpeaker(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body map[string]any
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if r.URL.Path != "/audio/speech" {
			t.Errorf("path = %q, want /audio/speech", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pcm16(16384, -16384))
	}))
	defer srv.Close()

	e, err := openai.New("sk-test", "", openai.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := e.Synthesize(context.Background(), tts.Request{
		Text: "hello", Language: "en", Mode: tts.BuiltInSpeaker("Alloy"),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got.SampleRate != 24000 || len(got.Samples) != 2 || got.Samples[0] != 0.5 || got.Samples[1] != -0.5 {
		t.Errorf("audio = %+v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if body["voice"] != "alloy" || body["input"] != "hello" || body["response_format"] != "pcm" {
		t.Errorf("body = %v", body)
	}
	if body["model"] != openai.DefaultModel {
		t.Errorf("model = %v, want %v", body["model"], openai.DefaultModel)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestSynthesize_NoRetryOnServerError(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	e, err := openai.New("sk-test", "tts-1", openai.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = e.Synthesize(context.Background(), tts.Request{Text: "x", Mode: tts.BuiltInSpeaker("nova")})
	if err == nil {
		t.Fatal("expected error")
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("hits = %d, want exactly one attempt", hits)
	}
}

func TestSynthesize_RejectsCloning(t *testing.T) {
	t.Parallel()

	e, err := openai.New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Capabilities().Cloning {
		t.Error("Capabilities().Cloning = true, want false")
	}
	_, err = e.Synthesize(context.Background(), tts.Request{Text: "x", Mode: tts.ReferenceClone("/v/adam.wav")})
	if !errors.Is(err, tts.ErrModeUnsupported) {
		t.Fatalf("expected ErrModeUnsupported, got %v", err)
	}
}
