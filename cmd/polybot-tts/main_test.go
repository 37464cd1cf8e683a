package main

import (
	"fmt"
	"slices"
	"testing"

	"github.com/adamkimmins/polybot/internal/config"
)

func TestRegisterBuiltinEngines(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	if got, want := reg.Engines(), config.KnownEngines; !slices.Equal(got, slices.Sorted(slices.Values(want))) {
		t.Fatalf("Engines() = %v, want %v", got, want)
	}

	tests := []struct {
		entry    config.EngineConfig
		wantName string
		wantMax  int
	}{
		{config.EngineConfig{Name: "coqui", BaseURL: "http://tts:8020", MaxConcurrent: 2}, "coqui", 2},
		{config.EngineConfig{Name: "coqui", BaseURL: "http://tts:8020"}, "coqui", 1},
		{config.EngineConfig{Name: "coqui", BaseURL: "http://tts:8020", MaxConcurrent: 2, Options: map[string]any{"server_concurrency": 0}}, "coqui", 0},
		{config.EngineConfig{Name: "coqui", BaseURL: "http://tts:8020", Options: map[string]any{"server_concurrency": 4}}, "coqui", 4},
		{config.EngineConfig{Name: "exec", Command: `python3 -u "worker.py"`, Options: map[string]any{"env": []any{"A=1"}}}, "exec", 1},
		{config.EngineConfig{Name: "openai"}, "openai", 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.entry.Name, tt.wantMax), func(t *testing.T) {
			e, err := reg.CreateEngine(tt.entry)
			if err != nil {
				t.Fatalf("CreateEngine: %v", err)
			}
			caps := e.Capabilities()
			if caps.Name != tt.wantName || caps.MaxConcurrent != tt.wantMax {
				t.Errorf("caps = %+v, want name %q max %d", caps, tt.wantName, tt.wantMax)
			}
		})
	}
}

func TestRegisterBuiltinEngines_InvalidEntries(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	for _, entry := range []config.EngineConfig{
		{Name: "coqui"},
		{Name: "exec", Command: `worker "unterminated`},
		{Name: "openai"},
	} {
		if _, err := reg.CreateEngine(entry); err == nil {
			t.Errorf("CreateEngine(%+v) returned nil error", entry)
		}
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{
		"organization": "org-1",
		"count":        3,
		"env":          []any{"A=1", 2, "B=2"},
	}
	if got := optString(opts, "organization"); got != "org-1" {
		t.Errorf("optString(organization) = %q", got)
	}
	if got := optString(opts, "count"); got != "" {
		t.Errorf("optString(count) = %q, want empty", got)
	}
	if got := optString(nil, "x"); got != "" {
		t.Errorf("optString(nil) = %q, want empty", got)
	}
	if n, ok := optInt(opts, "count"); !ok || n != 3 {
		t.Errorf("optInt(count) = %d, %v", n, ok)
	}
	if n, ok := optInt(map[string]any{"n": 2.0}, "n"); !ok || n != 2 {
		t.Errorf("optInt(2.0) = %d, %v", n, ok)
	}
	for _, key := range []string{"organization", "absent"} {
		if _, ok := optInt(opts, key); ok {
			t.Errorf("optInt(%s) reported ok", key)
		}
	}
	if got := optStrings(opts, "env"); !slices.Equal(got, []string{"A=1", "B=2"}) {
		t.Errorf("optStrings(env) = %v", got)
	}
	if got := optStrings(opts, "organization"); len(got) != 0 {
		t.Errorf("optStrings(organization) = %v, want empty", got)
	}
}
