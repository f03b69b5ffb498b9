// Package api serves the voice HTTP endpoints:
//
//	POST /api/v1/voice/process         full turn (multipart audio or text)
//	POST /api/v1/voice/text-to-speech  synthesis only (JSON in, audio out)
//	POST /api/v1/voice/speech-to-text  transcription only (multipart)
//	GET  /api/v1/services/health       per-service health records
//
// Request bodies are validated once, by the Parse functions in this package,
// into the types the pipeline consumes. Every error response uses the
// [apierror] envelope.
package api

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/ellie/internal/apierror"
	"github.com/MrWong99/ellie/internal/cache"
	"github.com/MrWong99/ellie/internal/observe"
	"github.com/MrWong99/ellie/internal/resilience"
	"github.com/MrWong99/ellie/internal/turn"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

// ProcessingTimeHeader reports server-side handling time in milliseconds.
const ProcessingTimeHeader = "X-Processing-Time-Ms"

// formOverhead is the multipart framing allowed on top of the audio limit.
const formOverhead = 1 << 20

// maxJSONBody bounds the text-to-speech request body.
const maxJSONBody = 64 << 10

// Runner executes turns. [*turn.Orchestrator] implements it.
type Runner interface {
	Run(ctx context.Context, req turn.Request) (*turn.Result, error)
}

// HealthSource is the health tracker as seen by the API: it receives stage
// outcomes from the single-stage endpoints and serves the diagnostics view.
type HealthSource interface {
	resilience.HealthReporter
	Snapshot() []resilience.HealthRecord
	Healthy() bool
}

var _ HealthSource = (*resilience.Tracker)(nil)

// Handler serves the voice API.
type Handler struct {
	runner Runner
	stt    stt.Provider
	tts    tts.Provider
	health HealthSource

	log         *slog.Logger
	limits      Limits
	admission   *semaphore.Weighted
	limiter     *RateLimiter
	transcripts *cache.Transcripts
	speech      *cache.Speech
	sttTimeout  time.Duration
	ttsTimeout  time.Duration
	debug       bool

	defaults atomic.Pointer[Defaults]
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithLimits sets payload limits.
func WithLimits(l Limits) Option {
	return func(h *Handler) { h.limits = l }
}

// WithDefaults sets the initial request defaults. See [Handler.SetDefaults].
func WithDefaults(d Defaults) Option {
	return func(h *Handler) { h.SetDefaults(d) }
}

// WithAdmission bounds concurrently processed requests. Requests that find
// the semaphore exhausted are rejected with 503. The semaphore may be shared
// with other transports.
func WithAdmission(sem *semaphore.Weighted) Option {
	return func(h *Handler) { h.admission = sem }
}

// WithRateLimiter applies rl to the three voice endpoints. The health
// endpoint is never limited.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(h *Handler) { h.limiter = rl }
}

// WithCaches enables result caching on the single-stage endpoints.
func WithCaches(transcripts *cache.Transcripts, speech *cache.Speech) Option {
	return func(h *Handler) {
		h.transcripts = transcripts
		h.speech = speech
	}
}

// WithStageTimeouts bounds the provider calls of the single-stage endpoints.
func WithStageTimeouts(sttTimeout, ttsTimeout time.Duration) Option {
	return func(h *Handler) {
		h.sttTimeout = sttTimeout
		h.ttsTimeout = ttsTimeout
	}
}

// WithDebug includes internal error text in error envelopes.
func WithDebug(on bool) Option {
	return func(h *Handler) { h.debug = on }
}

// New returns a Handler. runner serves full turns; sttP and ttsP serve the
// single-stage endpoints and should be the same fallback-wrapped providers
// the runner uses.
func New(runner Runner, sttP stt.Provider, ttsP tts.Provider, health HealthSource, opts ...Option) *Handler {
	h := &Handler{
		runner: runner,
		stt:    sttP,
		tts:    ttsP,
		health: health,
		log:    slog.Default(),
	}
	h.SetDefaults(Defaults{Voice: tts.VoiceAlloy, Language: "en"})
	for _, o := range opts {
		o(h)
	}
	h.sttTimeout = cmp.Or(h.sttTimeout, turn.DefaultStageTimeout)
	h.ttsTimeout = cmp.Or(h.ttsTimeout, turn.DefaultStageTimeout)
	return h
}

// SetDefaults replaces the request defaults for subsequent requests.
func (h *Handler) SetDefaults(d Defaults) {
	h.defaults.Store(&d)
}

// Defaults returns the current request defaults.
func (h *Handler) Defaults() Defaults {
	return *h.defaults.Load()
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/voice/process", h.limiter.Middleware(http.HandlerFunc(h.Process)))
	mux.Handle("POST /api/v1/voice/text-to-speech", h.limiter.Middleware(http.HandlerFunc(h.TextToSpeech)))
	mux.Handle("POST /api/v1/voice/speech-to-text", h.limiter.Middleware(http.HandlerFunc(h.SpeechToText)))
	mux.HandleFunc("GET /api/v1/services/health", h.ServicesHealth)
}

// admit reserves one processing slot. The returned release func must be
// called when the request finishes.
func (h *Handler) admit() (release func(), ok bool) {
	if h.admission == nil {
		return func() {}, true
	}
	if !h.admission.TryAcquire(1) {
		return nil, false
	}
	return func() { h.admission.Release(1) }, true
}

// errBusy is returned when every processing slot is taken.
var errBusy = apierror.New(apierror.CodeServiceUnavailable, "server is at capacity, retry shortly")

// writeError writes err as an envelope and logs server-side failures.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := observe.RequestID(r.Context())
	body, status := apierror.FromError(err, reqID, h.debug)
	if status >= http.StatusInternalServerError {
		h.log.Error("api: request failed", "request_id", reqID, "path", r.URL.Path, "code", body.Code, "err", err)
	} else {
		h.log.Debug("api: request rejected", "request_id", reqID, "path", r.URL.Path, "code", body.Code, "err", err)
	}
	apierror.Write(w, err, reqID, h.debug)
}

func setProcessingTime(w http.ResponseWriter, start time.Time) {
	w.Header().Set(ProcessingTimeHeader, strconv.FormatInt(time.Since(start).Milliseconds(), 10))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
