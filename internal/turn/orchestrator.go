package turn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/ellie/internal/cache"
	"github.com/MrWong99/ellie/internal/observe"
	"github.com/MrWong99/ellie/internal/resilience"
	"github.com/MrWong99/ellie/internal/transcript"
	"github.com/MrWong99/ellie/pkg/provider/llm"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

// DefaultStageTimeout bounds each stage unless [WithStageTimeouts] overrides it.
const DefaultStageTimeout = 30 * time.Second

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = "You are a friendly voice receptionist. Answer in one to three short sentences that sound natural when spoken aloud."

// StageTimeouts holds the per-stage deadlines. Zero fields use
// [DefaultStageTimeout].
type StageTimeouts struct {
	STT time.Duration
	LLM time.Duration
	TTS time.Duration
}

// Orchestrator runs turns. It holds no per-turn state and is safe for
// concurrent use; every collaborator is injected through [New].
type Orchestrator struct {
	stt    stt.Provider
	llm    llm.Provider
	tts    tts.Provider
	health resilience.HealthReporter

	log         *slog.Logger
	metrics     *observe.Metrics
	timeouts    StageTimeouts
	corrector   transcript.Corrector
	transcripts *cache.Transcripts
	speech      *cache.Speech
	now         func() time.Time

	systemPrompt atomic.Pointer[string]
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the base logger. Request-scoped fields are added per turn.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics records stage, turn and fallback metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithStageTimeouts sets the per-stage deadlines.
func WithStageTimeouts(sttTimeout, llmTimeout, ttsTimeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeouts = StageTimeouts{STT: sttTimeout, LLM: llmTimeout, TTS: ttsTimeout}
	}
}

// WithSystemPrompt sets the initial system prompt. See [Orchestrator.SetSystemPrompt].
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.SetSystemPrompt(prompt) }
}

// WithCorrector runs c over every provider transcript before generation.
func WithCorrector(c transcript.Corrector) Option {
	return func(o *Orchestrator) { o.corrector = c }
}

// WithTranscriptCache serves repeated utterances from c.
func WithTranscriptCache(c *cache.Transcripts) Option {
	return func(o *Orchestrator) { o.transcripts = c }
}

// WithSpeechCache serves repeated replies from c.
func WithSpeechCache(c *cache.Speech) Option {
	return func(o *Orchestrator) { o.speech = c }
}

// WithClock overrides the time source used for timings.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New returns an Orchestrator for the given providers. health must not be nil.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, health resilience.HealthReporter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		stt:    sttP,
		llm:    llmP,
		tts:    ttsP,
		health: health,
		log:    slog.Default(),
		now:    time.Now,
	}
	o.SetSystemPrompt(DefaultSystemPrompt)
	for _, opt := range opts {
		opt(o)
	}
	o.timeouts.STT = cmp.Or(o.timeouts.STT, DefaultStageTimeout)
	o.timeouts.LLM = cmp.Or(o.timeouts.LLM, DefaultStageTimeout)
	o.timeouts.TTS = cmp.Or(o.timeouts.TTS, DefaultStageTimeout)
	return o
}

// SetSystemPrompt replaces the system prompt for subsequent turns. An empty
// prompt restores [DefaultSystemPrompt].
func (o *Orchestrator) SetSystemPrompt(prompt string) {
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSystemPrompt
	}
	o.systemPrompt.Store(&prompt)
}

// SystemPrompt returns the current system prompt.
func (o *Orchestrator) SystemPrompt() string {
	return *o.systemPrompt.Load()
}

// Timeouts returns the effective stage deadlines.
func (o *Orchestrator) Timeouts() StageTimeouts {
	return o.timeouts
}

// transcription is the output of the first stage.
type transcription struct {
	text       string
	confidence *float64
	source     string
}

// Run executes one turn. Stage failures never surface as errors: they are
// replaced by fallback values, reported to the health reporter and listed
// in [Turn.Fallbacks].
//
// Run returns an error only when ctx is done before the turn is assembled,
// meaning the caller is gone and nobody will read the result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	start := o.now()
	ctx, span := observe.StartSpan(ctx, "turn.run", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("turn_id", req.TurnID),
	))
	defer span.End()

	if o.metrics != nil {
		o.metrics.ActiveTurns.Add(ctx, 1)
		defer o.metrics.ActiveTurns.Add(context.WithoutCancel(ctx), -1)
	}
	log := observe.ContextLogger(ctx, o.log).With("session_id", req.SessionID, "turn_id", req.TurnID)

	t := Turn{SessionID: req.SessionID, TurnID: req.TurnID}

	abandon := func(err error) (*Result, error) {
		span.SetStatus(codes.Error, "caller gone")
		return nil, fmt.Errorf("turn: run: %w", err)
	}

	// Stage A.
	stageA, transcriptionTime := o.transcribe(ctx, req)
	if err := ctx.Err(); err != nil {
		return abandon(err)
	}
	tr := stageA.OrElse(func(err error) transcription {
		log.Warn("turn: transcription failed, using apology", "err", err)
		t.Fallbacks = append(t.Fallbacks, StageTranscription)
		o.recordFallback(ctx, StageTranscription)
		return transcription{text: resilience.Apology, source: SourceFallback}
	})
	t.TranscribedText = tr.text
	t.Confidence = tr.confidence
	t.TranscriptionSource = tr.source
	t.Timings.TranscriptionMs = transcriptionTime.Milliseconds()

	// Stage B.
	stageB, generationTime := o.generate(ctx, req, tr.text)
	if err := ctx.Err(); err != nil {
		return abandon(err)
	}
	t.AIResponse = stageB.OrElse(func(err error) string {
		fb := o.health.FallbackFor(resilience.ServiceLLM, tr.text, err)
		log.Warn("turn: generation failed, using fallback reply", "err", err, "reason", fb.Reason)
		t.Fallbacks = append(t.Fallbacks, StageGeneration)
		o.recordFallback(ctx, StageGeneration)
		if fb.Text == "" {
			return resilience.Apology
		}
		return fb.Text
	})
	t.Timings.GenerationMs = generationTime.Milliseconds()

	// Stage C.
	stageC, synthesisTime := o.synthesize(ctx, req, t.AIResponse)
	speech := stageC.OrElse(func(err error) *tts.Audio {
		log.Warn("turn: synthesis failed, returning text only", "err", err)
		t.Fallbacks = append(t.Fallbacks, StageSynthesis)
		o.recordFallback(ctx, StageSynthesis)
		return nil
	})
	if speech != nil {
		t.Audio = speech.Data
		t.AudioFormat = speech.MIMEType
	} else {
		t.TextOnly = true
	}
	t.Timings.SynthesisMs = synthesisTime.Milliseconds()

	if err := ctx.Err(); err != nil {
		return abandon(err)
	}

	total := o.now().Sub(start)
	t.Timings.TotalMs = max(total.Milliseconds(), 1)
	if o.metrics != nil {
		o.metrics.RecordTurn(ctx, total, t.TextOnly)
	}

	res := &Result{
		Success: true,
		Turn:    t,
		Metadata: Metadata{
			RequestID:        cmp.Or(observe.RequestID(ctx), req.TurnID),
			InputFormat:      "text",
			OutputAudioBytes: len(t.Audio),
		},
	}
	if req.Audio != nil {
		res.Metadata.InputBytes = len(req.Audio.Data)
		res.Metadata.InputFormat = string(req.Audio.Format)
	} else {
		res.Metadata.InputBytes = len(req.Text)
	}

	span.SetAttributes(
		attribute.Bool("text_only", t.TextOnly),
		attribute.Int("fallbacks", len(t.Fallbacks)),
	)
	log.Info("turn completed",
		"transcription_ms", t.Timings.TranscriptionMs,
		"generation_ms", t.Timings.GenerationMs,
		"synthesis_ms", t.Timings.SynthesisMs,
		"total_ms", t.Timings.TotalMs,
		"text_only", t.TextOnly,
		"fallbacks", t.Fallbacks,
	)
	return res, nil
}

// transcribe runs stage A. Text input bypasses the provider.
func (o *Orchestrator) transcribe(ctx context.Context, req Request) (Outcome[transcription], time.Duration) {
	if req.Audio == nil {
		conf := 1.0
		return Ok(transcription{text: req.Text, confidence: &conf, source: SourceTextInput}), 0
	}
	notify(req, StageTranscription, "Transcribing audio")

	ctx, span := observe.StartSpan(ctx, "turn.transcription")
	defer span.End()

	start := o.now()
	in := stt.Audio{
		Data:     req.Audio.Data,
		Filename: req.Audio.Filename,
		MIMEType: req.Audio.MIMEType,
		Language: req.Preferences.Language,
	}

	source := SourceCache
	tr, hit := o.transcripts.Get(ctx, in)
	if !hit {
		source = SourceProvider
		var err error
		tr, err = o.callSTT(ctx, in)
		elapsed := o.now().Sub(start)
		o.report(ctx, resilience.ServiceSTT, StageTranscription, elapsed, err)
		if err != nil {
			endSpan(span, err)
			return Fail[transcription](err), elapsed
		}
		o.transcripts.Put(ctx, in, tr)
	}

	out := transcription{text: tr.Text, source: source}
	// Providers without a score leave Confidence at zero; that turn reports
	// no confidence rather than a certain miss.
	if tr.Confidence > 0 {
		conf := min(tr.Confidence, 1)
		out.confidence = &conf
	}
	if o.corrector != nil {
		corrected, err := o.corrector.Correct(ctx, *tr)
		switch {
		case err != nil:
			o.log.Warn("turn: transcript correction failed, keeping original", "err", err)
		case corrected != nil && strings.TrimSpace(corrected.Text) != "":
			out.text = corrected.Text
		}
	}
	return Ok(out), o.now().Sub(start)
}

func (o *Orchestrator) callSTT(ctx context.Context, in stt.Audio) (*stt.Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.STT)
	defer cancel()
	tr, err := o.stt.Transcribe(ctx, in)
	if err != nil {
		return nil, err
	}
	if tr == nil || strings.TrimSpace(tr.Text) == "" {
		return nil, ErrEmptyTranscript
	}
	return tr, nil
}

// generate runs stage B with text as the final user message.
func (o *Orchestrator) generate(ctx context.Context, req Request, text string) (Outcome[string], time.Duration) {
	notify(req, StageGeneration, "Generating response")

	ctx, span := observe.StartSpan(ctx, "turn.generation")
	defer span.End()

	system := o.prompt(req.Preferences)
	msgs := slices.Clone(req.History)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	msgs = llm.FitHistory(msgs, historyBudget(o.llm.Capabilities(), system))

	start := o.now()
	reply, err := o.callLLM(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
	})
	elapsed := o.now().Sub(start)
	o.report(ctx, resilience.ServiceLLM, StageGeneration, elapsed, err)
	if err != nil {
		endSpan(span, err)
		return Fail[string](err), elapsed
	}
	return Ok(reply), elapsed
}

// historyBudget is the token room left for dialogue once the system prompt
// and a full-size reply are accounted for. Zero when the model's context
// window is unknown.
func historyBudget(caps llm.ModelCapabilities, system string) int {
	if caps.ContextWindow <= 0 {
		return 0
	}
	return max(caps.ContextWindow-caps.MaxOutputTokens-llm.EstimateTokens(system), 1)
}

func (o *Orchestrator) callLLM(ctx context.Context, req llm.CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.LLM)
	defer cancel()
	resp, err := o.llm.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Content), nil
}

// prompt returns the system prompt adjusted for the caller's preferences.
func (o *Orchestrator) prompt(p Preferences) string {
	prompt := o.SystemPrompt()
	if p.Language != "" {
		prompt += "\n\nReply in the language with code " + p.Language + "."
	}
	if p.AccessibilityMode {
		prompt += "\n\nThe caller uses accessibility mode. Use short, plain sentences, spell out abbreviations and avoid lists."
	}
	return prompt
}

// synthesize runs stage C.
func (o *Orchestrator) synthesize(ctx context.Context, req Request, text string) (Outcome[*tts.Audio], time.Duration) {
	notify(req, StageSynthesis, "Synthesizing speech")

	ctx, span := observe.StartSpan(ctx, "turn.synthesis")
	defer span.End()

	in := tts.Request{
		Text:  text,
		Voice: cmp.Or(req.Preferences.Voice, tts.VoiceAlloy),
		Speed: req.Preferences.Speed,
	}
	if in.Speed == 0 {
		in.Speed = 1
	}

	start := o.now()
	if a, ok := o.speech.Get(ctx, in); ok {
		return Ok(a), o.now().Sub(start)
	}
	a, err := o.callTTS(ctx, in)
	elapsed := o.now().Sub(start)
	o.report(ctx, resilience.ServiceTTS, StageSynthesis, elapsed, err)
	if err != nil {
		endSpan(span, err)
		return Fail[*tts.Audio](err), elapsed
	}
	o.speech.Put(ctx, in, a)
	return Ok(a), elapsed
}

func (o *Orchestrator) callTTS(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.TTS)
	defer cancel()
	a, err := o.tts.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	if a == nil || len(a.Data) == 0 {
		return nil, ErrEmptyAudio
	}
	return a, nil
}

// report forwards one stage outcome to the health reporter. A misbehaving
// reporter is logged and otherwise ignored. A cancellation caused by the
// caller going away is not a provider failure and is not reported.
func (o *Orchestrator) report(ctx context.Context, svc resilience.Service, stage Stage, elapsed time.Duration, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		o.log.Debug("turn: stage abandoned by caller", "service", svc, "stage", stage)
		return
	}
	if o.metrics != nil {
		o.metrics.RecordStage(ctx, string(stage), elapsed, err == nil)
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("turn: health report panicked", "service", svc, "panic", r)
		}
	}()
	o.health.RecordOutcome(svc, err == nil, elapsed, err)
}

func (o *Orchestrator) recordFallback(ctx context.Context, stage Stage) {
	if o.metrics != nil {
		o.metrics.RecordFallback(ctx, string(stage))
	}
}

func notify(req Request, stage Stage, msg string) {
	if req.OnStatus != nil {
		req.OnStatus(Status{Stage: stage, Message: msg})
	}
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
