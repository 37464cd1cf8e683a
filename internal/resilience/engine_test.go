package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adamkimmins/polybot/internal/resilience"
	"github.com/adamkimmins/polybot/pkg/provider/tts"
	"github.com/adamkimmins/polybot/pkg/provider/tts/mock"
)

func cloneReq() tts.Request {
	return tts.Request{Text: "hi", Language: "en", Mode: tts.ReferenceClone("/v/adam.wav")}
}

func TestIsEngineFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("coqui: 422: %w", tts.ErrUnsupportedShape), false},
		{fmt.Errorf("openai: %w", tts.ErrModeUnsupported), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		if got := resilience.IsEngineFailure(tt.err); got != tt.want {
			t.Errorf("IsEngineFailure(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestGuardedEngine_OpensOnFailures(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Err: errors.New("connection refused")}
	g := resilience.NewGuardedEngine(eng, resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	for range 2 {
		if _, err := g.Synthesize(context.Background(), cloneReq()); err == nil {
			t.Fatal("expected engine error")
		}
	}
	_, err := g.Synthesize(context.Background(), cloneReq())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := len(eng.Calls()); got != 2 {
		t.Errorf("engine calls = %d, want 2 (open breaker must not call through)", got)
	}
	if err := g.Ping(context.Background()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Ping = %v, want ErrCircuitOpen", err)
	}
}

func TestGuardedEngine_ShapeRejectionDoesNotTrip(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{
		Result:   tts.Audio{Samples: []float32{0.1}},
		ShapeErr: map[tts.Shape]error{tts.ShapeSinglePath: tts.ErrUnsupportedShape},
	}
	g := resilience.NewGuardedEngine(eng, resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	for range 3 {
		_, err := g.Synthesize(context.Background(), cloneReq())
		if !errors.Is(err, tts.ErrUnsupportedShape) {
			t.Fatalf("err = %v, want ErrUnsupportedShape", err)
		}
	}
	if g.Breaker().State() != resilience.StateClosed {
		t.Fatalf("state = %v, want closed", g.Breaker().State())
	}
}

func TestGuardedEngine_Passthrough(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{
		Result:  tts.Audio{Samples: []float32{0.1, 0.2}, SampleRate: 22050},
		Caps:    tts.Capabilities{Name: "coqui", MaxConcurrent: 1},
		PingErr: errors.New("down"),
	}
	g := resilience.NewGuardedEngine(eng, resilience.CircuitBreakerConfig{})

	got, err := g.Synthesize(context.Background(), cloneReq())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(got.Samples) != 2 || got.SampleRate != 22050 {
		t.Errorf("audio = %+v", got)
	}
	if caps := g.Capabilities(); caps.Name != "coqui" || caps.MaxConcurrent != 1 {
		t.Errorf("Capabilities = %+v", caps)
	}
	if err := g.Ping(context.Background()); err == nil || err.Error() != "down" {
		t.Errorf("Ping = %v, want wrapped engine error", err)
	}
}
