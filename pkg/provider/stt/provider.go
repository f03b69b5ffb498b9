// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., OpenAI Whisper, Deepgram,
// or a local whisper.cpp server) and exposes a uniform batch interface: one
// recorded utterance in, one Transcript out. Implementations must be safe for
// concurrent use; every turn handled by the server calls Transcribe from its
// own goroutine.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyAudio is returned by providers when Audio.Data is empty.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Audio is a complete recorded utterance in an encoded container format.
type Audio struct {
	// Data holds the encoded audio bytes (WAV, MP3, OGG, ...).
	Data []byte

	// Filename is the original upload name. Several backends infer the
	// container from its extension, so providers forward it unchanged.
	Filename string

	// MIMEType is the sniffed content type, e.g. "audio/wav".
	MIMEType string

	// Language is a BCP-47 hint such as "en" or "de-DE". Empty lets the
	// provider auto-detect.
	Language string
}

// Transcript is the result of transcribing one Audio.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Zero means the
	// provider does not report confidence.
	Confidence float64

	// Language is the detected or requested language.
	Language string

	// Duration is the length of the utterance when the provider reports it.
	Duration time.Duration

	// Words contains per-word detail when available (Deepgram).
	Words []WordDetail
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts a recorded utterance into text. It returns an error
	// if the backend cannot be reached, rejects the audio, or ctx is cancelled
	// before the result arrives. A successful call may still yield an empty
	// Text when the audio contains no speech.
	Transcribe(ctx context.Context, audio Audio) (*Transcript, error)
}
