package voiceclient

import (
	"sync"

	"github.com/MrWong99/ellie/pkg/wire"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Placeholder is the content of a user message whose transcription has not
// arrived yet.
const Placeholder = "…"

// SourceError marks the synthetic assistant message appended after an error.
const SourceError = "error"

// Metadata carries per-message turn details.
type Metadata struct {
	TurnID     string
	Confidence *float64
	Timings    wire.Timings
	Source     string
}

// Message is one entry of the conversation log.
type Message struct {
	ID       string
	Role     string
	Content  string
	Audio    *AudioHandle
	Metadata Metadata
}

// AudioHandle is an owned reference to reply audio. The owning [Session]
// revokes it when the message is destroyed; after that Bytes returns nil.
type AudioHandle struct {
	ID     string
	Format string

	mu      sync.Mutex
	data    []byte
	revoked bool
}

func newAudioHandle(id, format string, data []byte) *AudioHandle {
	return &AudioHandle{ID: id, Format: format, data: data}
}

// Bytes returns the audio, or nil once the handle is revoked. The returned
// slice must not be modified.
func (h *AudioHandle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.revoked {
		return nil
	}
	return h.data
}

// Revoked reports whether the handle has been released.
func (h *AudioHandle) Revoked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revoked
}

// revoke releases the audio. It reports false if the handle was already
// revoked.
func (h *AudioHandle) revoke() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.revoked {
		return false
	}
	h.revoked = true
	h.data = nil
	return true
}

// Utterance is one user submission. Exactly one of Audio and Text should be
// set; the server rejects anything else.
type Utterance struct {
	Audio             []byte
	Filename          string
	Text              string
	Voice             string
	Speed             float64
	Language          string
	AccessibilityMode bool
}
