// Package mock provides a test double for the resilience.HealthReporter
// interface.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/ellie/internal/resilience"
)

// Outcome records one call to RecordOutcome.
type Outcome struct {
	Service resilience.Service
	Success bool
	Elapsed time.Duration
	Err     error
}

// FallbackCall records one call to FallbackFor.
type FallbackCall struct {
	Service resilience.Service
	Text    string
	Err     error
}

// Reporter is a mock implementation of resilience.HealthReporter.
type Reporter struct {
	mu sync.Mutex

	// FallbackText is returned by FallbackFor. Defaults to "fallback reply".
	FallbackText string

	// Unavailable lists services reported as unavailable.
	Unavailable map[resilience.Service]bool

	// PanicOnRecord makes RecordOutcome panic.
	PanicOnRecord bool

	// Outcomes records every RecordOutcome call in order.
	Outcomes []Outcome

	// FallbackCalls records every FallbackFor call in order.
	FallbackCalls []FallbackCall
}

// RecordOutcome records the call.
func (r *Reporter) RecordOutcome(service resilience.Service, success bool, elapsed time.Duration, err error) {
	r.mu.Lock()
	r.Outcomes = append(r.Outcomes, Outcome{Service: service, Success: success, Elapsed: elapsed, Err: err})
	panicking := r.PanicOnRecord
	r.mu.Unlock()
	if panicking {
		panic("mock: RecordOutcome")
	}
}

// FallbackFor records the call and returns FallbackText.
func (r *Reporter) FallbackFor(service resilience.Service, text string, err error) resilience.Fallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FallbackCalls = append(r.FallbackCalls, FallbackCall{Service: service, Text: text, Err: err})
	out := r.FallbackText
	if out == "" {
		out = "fallback reply"
	}
	return resilience.Fallback{Text: out, IsFallback: true, Reason: "mock"}
}

// IsAvailable reports whether service is absent from Unavailable.
func (r *Reporter) IsAvailable(service resilience.Service) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.Unavailable[service]
}

// Health returns a record derived from IsAvailable.
func (r *Reporter) Health(service resilience.Service) resilience.HealthRecord {
	return resilience.HealthRecord{Service: service, Available: r.IsAvailable(service)}
}

// Recorded returns a copy of the recorded outcomes. Thread-safe.
func (r *Reporter) Recorded() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.Outcomes))
	copy(out, r.Outcomes)
	return out
}

// Ensure Reporter implements resilience.HealthReporter at compile time.
var _ resilience.HealthReporter = (*Reporter)(nil)
