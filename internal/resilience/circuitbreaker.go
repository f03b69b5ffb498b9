// Package resilience keeps a failing provider from taking a voice turn down
// with it.
//
// [CircuitBreaker] is a closed, open, half-open breaker. [Chain] orders a
// primary provider and its fallbacks, each behind its own breaker, and
// [STTChain], [LLMChain] and [TTSChain] adapt it to the provider interfaces.
// [Tracker] keeps one breaker per pipeline stage purely as a health signal
// and hands out canned replies when a stage is down.
//
// All types are safe for concurrent use.
package resilience

import (
	"cmp"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen rejects calls while a breaker is open or its half-open probe
// budget is used up.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen admits a bounded number of probes. Enough successful
	// probes close the breaker; a single failure opens it again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the run of consecutive failures that opens a closed
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of concurrent probes admitted while
	// half-open and the number of successes needed to close. Default 3.
	HalfOpenMax int

	// Logger receives state transitions. Default slog.Default().
	Logger *slog.Logger

	// OnStateChange, if set, observes every transition. It runs with the
	// breaker locked and must not call back into it.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
//
// Callers that own the call site use [CircuitBreaker.Execute]. Callers that
// only observe outcomes, like the health [Tracker], feed them in with
// [CircuitBreaker.Record] and read the verdict with [CircuitBreaker.State].
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time
	log           *slog.Logger

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last failure seen while open
	probes   int       // half-open calls admitted and not yet abandoned
	passed   int       // half-open calls that succeeded
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   positive(cfg.MaxFailures, 5),
		resetTimeout:  positive(cfg.ResetTimeout, 30*time.Second),
		halfOpenMax:   positive(cfg.HalfOpenMax, 3),
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
		log:           cmp.Or(cfg.Logger, slog.Default()),
	}
}

func positive[N int | time.Duration](v, def N) N {
	if v <= 0 {
		return def
	}
	return v
}

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// Record feeds the outcome of a call made outside [CircuitBreaker.Execute]
// into the breaker; nil is a success. While open, a failure only pushes the
// reset window out. Once the window has passed, the outcome counts as a
// half-open probe.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if !cb.cooledDown() {
			if err != nil {
				cb.openedAt = cb.now()
			}
			return
		}
		cb.transition(StateHalfOpen)
	}
	probe := cb.state == StateHalfOpen
	if probe {
		cb.probes++
	}
	cb.outcome(probe, err)
}

// State reports the current state. An open breaker whose reset timeout has
// passed reads as half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// admit decides whether a call may proceed and whether it is a half-open
// probe. Every admitted call must end in settle or abandon.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if !cb.cooledDown() {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	case StateClosed:
		return false, nil
	}
	if cb.probes >= cb.halfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.probes++
	return true, nil
}

// abandon hands back a permit without recording an outcome, for calls the
// caller gave up on.
func (cb *CircuitBreaker) abandon(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.outcome(probe, err)
}

// outcome applies one result. cb.mu must be held.
func (cb *CircuitBreaker) outcome(probe bool, err error) {
	switch {
	case err != nil && probe:
		cb.failures = cb.maxFailures
		cb.openedAt = cb.now()
		cb.transition(StateOpen)
	case err != nil:
		cb.failures++
		if cb.failures >= cb.maxFailures && cb.state == StateClosed {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
	case probe:
		cb.passed++
		if cb.passed >= cb.halfOpenMax {
			cb.failures = 0
			cb.transition(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

// cooledDown reports whether an open breaker may start probing. cb.mu must
// be held.
func (cb *CircuitBreaker) cooledDown() bool {
	return cb.now().Sub(cb.openedAt) >= cb.resetTimeout
}

// transition moves to state `to` and resets the probe counters. cb.mu must
// be held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.probes, cb.passed = 0, 0

	attrs := []any{"name", cb.name, "from", from.String(), "to", to.String()}
	if to == StateOpen {
		cb.log.Warn("circuit breaker state changed", append(attrs, "consecutive_failures", cb.failures)...)
	} else {
		cb.log.Info("circuit breaker state changed", attrs...)
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
