package resilience

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("provider unavailable")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clk := newFakeClock()
	if cfg.Name == "" {
		cfg.Name = "stt"
	}
	cb := NewCircuitBreaker(cfg)
	cb.now = clk.Now
	return cb, clk
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.log == nil {
		t.Error("log = nil, want slog.Default")
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	tests := []struct {
		name  string
		calls []func() error
		want  State
	}{
		{"no calls", nil, StateClosed},
		{"successes", []func() error{succeed, succeed}, StateClosed},
		{"below threshold", []func() error{fail, fail}, StateClosed},
		{"threshold reached", []func() error{fail, fail, fail}, StateOpen},
		{"success resets count", []func() error{fail, fail, succeed, fail, fail}, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})
			for _, fn := range tt.calls {
				_ = cb.Execute(fn)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	_ = cb.Execute(fail)

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran although the breaker is open")
	}
}

func TestCircuitBreaker_HalfOpenProbes(t *testing.T) {
	tests := []struct {
		name   string
		probes []func() error
		want   State
	}{
		{"all probes succeed", []func() error{succeed, succeed}, StateClosed},
		{"one probe succeeds", []func() error{succeed}, StateHalfOpen},
		{"probe fails", []func() error{fail}, StateOpen},
		{"late probe fails", []func() error{succeed, fail}, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMax: 2})
			_ = cb.Execute(fail)
			_ = cb.Execute(fail)
			if cb.State() != StateOpen {
				t.Fatalf("state = %v, want open", cb.State())
			}
			clk.Advance(time.Minute)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open after the reset timeout", cb.State())
			}
			for i, p := range tt.probes {
				if err := cb.Execute(p); errors.Is(err, ErrCircuitOpen) {
					t.Fatalf("probe %d rejected", i)
				}
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	probe, err := cb.admit()
	if err != nil || !probe {
		t.Fatalf("admit = %v, %v, want a half-open probe", probe, err)
	}
	if _, err := cb.admit(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second admit err = %v, want ErrCircuitOpen while the probe is in flight", err)
	}
}

func TestCircuitBreaker_AbandonReturnsProbe(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	probe, err := cb.admit()
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	cb.abandon(probe)

	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open (abandon records nothing)", got)
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe after abandon: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestCircuitBreaker_LogsTransitions(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	cb, clk := newTestBreaker(CircuitBreakerConfig{Name: "tts", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1, Logger: log})

	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	_ = cb.Execute(succeed)

	out := buf.String()
	for _, want := range []string{
		"level=WARN msg=\"circuit breaker state changed\" name=tts from=closed to=open consecutive_failures=1",
		"from=open to=half-open",
		"from=half-open to=closed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var seen []string
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		Name:         "deepgram",
		MaxFailures:  2,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			seen = append(seen, name+":"+from.String()+">"+to.String())
		},
	})

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	_ = cb.Execute(succeed)
	cb.Reset()

	want := []string{
		"deepgram:closed>open",
		"deepgram:open>half-open",
		"deepgram:half-open>open",
		"deepgram:open>half-open",
		"deepgram:half-open>closed",
	}
	if strings.Join(seen, " ") != strings.Join(want, " ") {
		t.Errorf("transitions = %v, want %v", seen, want)
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

func TestCircuitBreaker_RecordLifecycle(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMax: 2})

	cb.Record(errTest)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after 1 failure", cb.State())
	}
	cb.Record(errTest)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 2 failures", cb.State())
	}

	// A failure observed while open pushes the reset window out.
	clk.Advance(50 * time.Second)
	cb.Record(errTest)
	clk.Advance(20 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open (window refreshed)", cb.State())
	}

	clk.Advance(time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after reset timeout", cb.State())
	}

	cb.Record(nil)
	cb.Record(nil)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestCircuitBreaker_RecordHalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})

	cb.Record(errTest)
	clk.Advance(2 * time.Second)
	cb.Record(errTest)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", cb.State())
	}
}
