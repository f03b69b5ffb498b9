// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI, ElevenLabs,
// or a local Coqui server) and presents a uniform batch interface: the full
// reply text in, one encoded audio clip out.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned by providers when Request.Text is empty.
var ErrEmptyText = errors.New("tts: empty text")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders req.Text with the requested voice and speed.
	// Returns an error if the backend cannot be reached, rejects the request,
	// returns no audio, or ctx is cancelled.
	Synthesize(ctx context.Context, req Request) (*Audio, error)
}
