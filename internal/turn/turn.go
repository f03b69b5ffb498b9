// Package turn runs one conversational turn through the voice pipeline:
// transcription, response generation and speech synthesis, strictly in that
// order.
//
// Every stage may fail. A failed stage is replaced by a fallback value and
// the turn continues, so [Orchestrator.Run] always produces a usable [Turn]:
//
//   - transcription falls back to a fixed apology, which is then answered by
//     the generation stage like any other utterance;
//   - generation falls back to a canned reply from the health reporter;
//   - synthesis falls back to no audio and marks the turn text-only.
//
// Each stage outcome is reported to a [resilience.HealthReporter]. Reports
// never influence whether a stage is attempted.
package turn

import (
	"errors"

	"github.com/MrWong99/ellie/pkg/audio"
	"github.com/MrWong99/ellie/pkg/provider/llm"
)

var (
	// ErrEmptyTranscript marks a transcription that succeeded at the transport
	// level but contained no speech.
	ErrEmptyTranscript = errors.New("turn: empty transcript")

	// ErrEmptyResponse marks a completion without content.
	ErrEmptyResponse = errors.New("turn: empty response")

	// ErrEmptyAudio marks a synthesis result without audio bytes.
	ErrEmptyAudio = errors.New("turn: empty audio")
)

// Stage names one step of the pipeline. It is used in status updates, in
// [Turn.Fallbacks] and as the metrics stage attribute.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageGeneration    Stage = "generation"
	StageSynthesis     Stage = "synthesis"
)

// Transcription sources reported in [Turn.TranscriptionSource].
const (
	SourceProvider  = "provider"
	SourceTextInput = "text-input"
	SourceCache     = "cache"
	SourceFallback  = "fallback"
)

// Audio is an uploaded utterance that has passed validation.
type Audio struct {
	Data     []byte
	Filename string
	MIMEType string
	Format   audio.Format
}

// Preferences are the caller's per-turn output choices.
type Preferences struct {
	Voice             string
	Speed             float64
	Language          string
	AccessibilityMode bool
}

// Status is pushed to [Request.OnStatus] before each stage starts.
type Status struct {
	Stage   Stage
	Message string
}

// Request is a validated turn request. Exactly one of Audio and Text is set.
type Request struct {
	Audio *Audio
	Text  string

	SessionID string
	TurnID    string

	// History is the prior dialogue, oldest first. The current utterance is
	// appended by the orchestrator.
	History []llm.Message

	Preferences Preferences

	// OnStatus, when set, is called synchronously before each stage.
	OnStatus func(Status)
}

// Timings are per-stage wall-clock durations in milliseconds.
type Timings struct {
	TranscriptionMs int64
	GenerationMs    int64
	SynthesisMs     int64
	TotalMs         int64
}

// Turn is the assembled output of one pipeline run. TranscribedText and
// AIResponse are never empty.
type Turn struct {
	SessionID string
	TurnID    string

	TranscribedText string
	AIResponse      string

	// Audio is empty iff synthesis failed, in which case TextOnly is set.
	Audio       []byte
	AudioFormat string
	TextOnly    bool

	Timings Timings

	// Confidence is the transcription confidence in [0,1], nil when unknown.
	Confidence          *float64
	TranscriptionSource string

	// Fallbacks lists the stages whose output is a substitute value.
	Fallbacks []Stage
}

// UsedFallback reports whether s produced a substitute value.
func (t *Turn) UsedFallback(s Stage) bool {
	for _, f := range t.Fallbacks {
		if f == s {
			return true
		}
	}
	return false
}

// Metadata describes the request and response payloads.
type Metadata struct {
	RequestID        string
	InputBytes       int
	InputFormat      string
	OutputAudioBytes int
}

// Result is returned by [Orchestrator.Run].
type Result struct {
	Success  bool
	Turn     Turn
	Metadata Metadata
}
