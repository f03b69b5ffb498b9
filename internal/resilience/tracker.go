package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Service identifies one pipeline stage in health reporting.
type Service string

// Pipeline stages tracked by [Tracker].
const (
	ServiceSTT Service = "speech-to-text"
	ServiceLLM Service = "response-generation"
	ServiceTTS Service = "speech-synthesis"
)

// Services lists every tracked stage in pipeline order.
var Services = []Service{ServiceSTT, ServiceLLM, ServiceTTS}

// Apology is the transcript substituted when speech recognition fails. It is
// fed into generation like any other user utterance.
const Apology = "I apologize, but I'm having trouble processing your request right now. Please try again."

// HealthRecord is the observable health of one service.
type HealthRecord struct {
	Service             Service   `json:"service"`
	Available           bool      `json:"available"`
	State               string    `json:"state"`
	TotalCalls          int64     `json:"total_calls"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

// Fallback is the substitute value for a failed stage.
type Fallback struct {
	Text       string
	IsFallback bool
	Reason     string
}

// HealthReporter is the contract between the turn pipeline and whatever keeps
// track of service health. Implementations must be safe for concurrent use
// and must not block.
type HealthReporter interface {
	// RecordOutcome reports one stage attempt.
	RecordOutcome(service Service, success bool, elapsed time.Duration, err error)

	// FallbackFor returns the canned substitute for a failed stage. text is
	// the stage input (the transcript for generation, the reply for
	// synthesis). The returned Text is never empty.
	FallbackFor(service Service, text string, err error) Fallback

	// IsAvailable reports whether service is currently considered healthy.
	IsAvailable(service Service) bool

	// Health returns the current record for service.
	Health(service Service) HealthRecord
}

// cannedResponses holds the fallback text per service, indexed by whether the
// stage input was present.
var cannedResponses = map[Service][2]string{
	ServiceSTT: {Apology, Apology},
	ServiceLLM: {
		"I'm sorry, I'm having trouble responding right now. Please try again in a moment.",
		"I heard you, but I can't put together an answer right now. Please try again in a moment.",
	},
	ServiceTTS: {
		"Audio is unavailable right now.",
		"", // the reply text itself is the fallback
	},
}

// Compile-time interface assertion.
var _ HealthReporter = (*Tracker)(nil)

// TrackerOption configures a [Tracker].
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger used for state-change messages.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.log = l }
}

// WithTrackerClock overrides the time source. Used by tests.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// serviceState is the mutable state of one service.
type serviceState struct {
	mu             sync.Mutex
	breaker        *CircuitBreaker
	totalCalls     int64
	failures       int64
	consecutive    int
	totalLatencyMs float64
	lastErr        string
	lastSuccess    time.Time
	lastFailure    time.Time
}

// Tracker is the in-process [HealthReporter]. Each service has its own
// [CircuitBreaker]; the breaker state is the availability signal. The
// pipeline never gates calls on it.
type Tracker struct {
	log      *slog.Logger
	now      func() time.Time
	services map[Service]*serviceState
}

// NewTracker creates a Tracker for [Services]. Every breaker uses cfg; the
// name is overwritten with the service id.
func NewTracker(cfg CircuitBreakerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		log:      slog.Default(),
		now:      time.Now,
		services: make(map[Service]*serviceState, len(Services)),
	}
	for _, o := range opts {
		o(t)
	}
	for _, svc := range Services {
		c := cfg
		c.Name = string(svc)
		if c.Logger == nil {
			c.Logger = t.log
		}
		cb := NewCircuitBreaker(c)
		cb.now = t.now
		t.services[svc] = &serviceState{breaker: cb}
	}
	return t
}

// RecordOutcome implements [HealthReporter]. Unknown services are ignored.
func (t *Tracker) RecordOutcome(service Service, success bool, elapsed time.Duration, err error) {
	st, ok := t.services[service]
	if !ok {
		t.log.Warn("health: outcome for unknown service", "service", service)
		return
	}
	if !success && err == nil {
		err = errors.New("unspecified failure")
	}

	now := t.now()
	st.mu.Lock()
	st.totalCalls++
	st.totalLatencyMs += float64(elapsed) / float64(time.Millisecond)
	if success {
		st.consecutive = 0
		st.lastSuccess = now
	} else {
		st.failures++
		st.consecutive++
		st.lastFailure = now
		st.lastErr = err.Error()
	}
	st.mu.Unlock()

	if success {
		st.breaker.Record(nil)
	} else {
		st.breaker.Record(err)
	}
}

// FallbackFor implements [HealthReporter].
func (t *Tracker) FallbackFor(service Service, text string, err error) Fallback {
	canned, ok := cannedResponses[service]
	if !ok {
		canned = cannedResponses[ServiceLLM]
	}
	hasText := 0
	if text != "" {
		hasText = 1
	}
	out := canned[hasText]
	if out == "" {
		out = text
	}

	reason := "unknown error"
	switch {
	case !t.IsAvailable(service):
		reason = "circuit open"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case err != nil:
		reason = err.Error()
	}
	return Fallback{Text: out, IsFallback: true, Reason: reason}
}

// IsAvailable implements [HealthReporter]. A half-open breaker counts as
// available because the next call is a probe.
func (t *Tracker) IsAvailable(service Service) bool {
	st, ok := t.services[service]
	if !ok {
		return false
	}
	return st.breaker.State() != StateOpen
}

// Health implements [HealthReporter].
func (t *Tracker) Health(service Service) HealthRecord {
	st, ok := t.services[service]
	if !ok {
		return HealthRecord{Service: service, State: "unknown"}
	}
	state := st.breaker.State()

	st.mu.Lock()
	defer st.mu.Unlock()
	rec := HealthRecord{
		Service:             service,
		Available:           state != StateOpen,
		State:               state.String(),
		TotalCalls:          st.totalCalls,
		Failures:            st.failures,
		ConsecutiveFailures: st.consecutive,
		LastError:           st.lastErr,
		LastSuccess:         st.lastSuccess,
		LastFailure:         st.lastFailure,
	}
	if st.totalCalls > 0 {
		rec.AvgLatencyMs = st.totalLatencyMs / float64(st.totalCalls)
	}
	return rec
}

// Snapshot returns the records of every service sorted by service id.
func (t *Tracker) Snapshot() []HealthRecord {
	out := make([]HealthRecord, 0, len(t.services))
	for svc := range t.services {
		out = append(out, t.Health(svc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Healthy reports whether every service is available.
func (t *Tracker) Healthy() bool {
	for svc := range t.services {
		if !t.IsAvailable(svc) {
			return false
		}
	}
	return true
}
