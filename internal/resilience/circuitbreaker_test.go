package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tts/coqui"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 1 {
		t.Errorf("defaults = (%d, %v, %d), want (5, 30s, 1)", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

// resetWindow is short enough for tests to wait out.
const resetWindow = 40 * time.Millisecond

// TestCircuitBreaker_Sequences drives the breaker through a script of engine
// outcomes: 'f' a failing call, 's' a successful call, 'w' waiting out the
// reset window and 'r' a manual Reset.
func TestCircuitBreaker_Sequences(t *testing.T) {
	tests := []struct {
		name        string
		halfOpenMax int
		script      string
		want        State
		rejectsNext bool
	}{
		{name: "success stays closed", script: "s", want: StateClosed},
		{name: "opens at max failures", script: "ff", want: StateOpen, rejectsNext: true},
		{name: "success resets the count", script: "fsf", want: StateClosed},
		{name: "one failure after reset is not enough", script: "ffrf", want: StateClosed},
		{name: "reports half-open after window", script: "ffw", want: StateHalfOpen},
		{name: "successful probe closes", script: "ffws", want: StateClosed},
		{name: "needs every probe", halfOpenMax: 2, script: "ffws", want: StateHalfOpen},
		{name: "all probes close", halfOpenMax: 2, script: "ffwss", want: StateClosed},
		{name: "failed probe reopens", halfOpenMax: 3, script: "ffwf", want: StateOpen, rejectsNext: true},
		{name: "manual reset closes", script: "ffr", want: StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "tts/mock",
				MaxFailures:  2,
				ResetTimeout: resetWindow,
				HalfOpenMax:  tt.halfOpenMax,
			})
			for i, step := range tt.script {
				var err error
				switch step {
				case 'f':
					err = cb.Execute(func() error { return errTest })
					if !errors.Is(err, errTest) {
						t.Fatalf("step %d: err = %v, want the engine error", i, err)
					}
				case 's':
					if err = cb.Execute(func() error { return nil }); err != nil {
						t.Fatalf("step %d: err = %v, want nil", i, err)
					}
				case 'w':
					time.Sleep(resetWindow + 10*time.Millisecond)
				case 'r':
					cb.Reset()
				}
			}

			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
			if !tt.rejectsNext {
				return
			}
			called := false
			err := cb.Execute(func() error { called = true; return nil })
			if !errors.Is(err, ErrCircuitOpen) || called {
				t.Errorf("next call: err = %v, called = %v; want ErrCircuitOpen without a call", err, called)
			}
		})
	}
}

func TestCircuitBreaker_NeutralErrorsIgnored(t *testing.T) {
	errNeutral := errors.New("neutral")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
		IsFailure:    func(err error) bool { return !errors.Is(err, errNeutral) },
	})

	for range 5 {
		if err := cb.Execute(func() error { return errNeutral }); !errors.Is(err, errNeutral) {
			t.Fatalf("err = %v, want the neutral error passed through", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed: neutral errors must not count", cb.State())
	}

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errNeutral })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open: neutral errors must not reset the count", cb.State())
	}
}

func TestCircuitBreaker_NeutralErrorReturnsProbe(t *testing.T) {
	errNeutral := errors.New("neutral")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		IsFailure:    func(err error) bool { return !errors.Is(err, errNeutral) },
	})
	_ = cb.Execute(func() error { return errTest })
	time.Sleep(15 * time.Millisecond)

	_ = cb.Execute(func() error { return errNeutral })
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe after neutral error rejected: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var got []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "engine",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			got = append(got, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(func() error { return errTest })
	time.Sleep(15 * time.Millisecond)
	_ = cb.Execute(func() error { return nil })

	want := []string{"engine:closed->open", "engine:open->half-open", "engine:half-open->closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
