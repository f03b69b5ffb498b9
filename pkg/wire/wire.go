// Package wire defines the JSON messages exchanged between the voice server
// and its clients, over the duplex WebSocket connection and as HTTP response
// bodies.
//
// Every WebSocket frame is one [Envelope]. The Type field selects the shape
// of Data; use [NewEnvelope] to build one and [Envelope.Decode] to read it.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies an envelope's payload.
type Type string

// Client to server.
const (
	TypePing       Type = "ping"
	TypeSubmitTurn Type = "submit_turn"
)

// Server to client.
const (
	TypeConnectionEstablished Type = "connection_established"
	TypePong                  Type = "pong"
	TypeTurnStatus            Type = "turn_status"
	TypeTurnResult            Type = "turn_result"
	TypeHeartbeat             Type = "heartbeat"
	TypeError                 Type = "error"
)

// Envelope is one duplex message.
type Envelope struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TurnID    string          `json:"turn_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data into an envelope of type typ stamped with the
// current UTC time. A nil data leaves Data empty.
func NewEnvelope(typ Type, data any) (Envelope, error) {
	env := Envelope{Type: typ, Timestamp: time.Now().UTC()}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals Data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("wire: %s: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("wire: decode %s: %w", e.Type, err)
	}
	return nil
}

// HistoryMessage is one prior dialogue entry.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SubmitTurn is the payload of [TypeSubmitTurn]. Exactly one of Audio and
// Text must be set.
type SubmitTurn struct {
	Audio             []byte           `json:"audio,omitempty"`
	Filename          string           `json:"filename,omitempty"`
	Text              string           `json:"text,omitempty"`
	History           []HistoryMessage `json:"history,omitempty"`
	Voice             string           `json:"voice,omitempty"`
	Speed             float64          `json:"speed,omitempty"`
	Language          string           `json:"language,omitempty"`
	AccessibilityMode bool             `json:"accessibility_mode,omitempty"`
}

// ConnectionEstablished is the payload of [TypeConnectionEstablished].
type ConnectionEstablished struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id"`
}

// TurnStatus is the payload of [TypeTurnStatus].
type TurnStatus struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Error is the payload of [TypeError].
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Timings are per-stage durations in milliseconds.
type Timings struct {
	TranscriptionMs int64 `json:"transcription_ms"`
	GenerationMs    int64 `json:"generation_ms"`
	SynthesisMs     int64 `json:"synthesis_ms"`
	TotalMs         int64 `json:"total_ms"`
}

// TurnResponse is the completed turn, returned by POST /api/v1/voice/process
// and as the payload of [TypeTurnResult]. AudioBuffer is base64-encoded by
// encoding/json.
type TurnResponse struct {
	Success             bool     `json:"success"`
	SessionID           string   `json:"session_id"`
	TurnID              string   `json:"turn_id"`
	TranscribedText     string   `json:"transcribed_text"`
	AIResponse          string   `json:"ai_response"`
	AudioBuffer         []byte   `json:"audio_buffer,omitempty"`
	AudioFormat         string   `json:"audio_format,omitempty"`
	TextOnly            bool     `json:"text_only"`
	Confidence          *float64 `json:"confidence,omitempty"`
	TranscriptionSource string   `json:"transcription_source"`
	Fallbacks           []string `json:"fallbacks,omitempty"`
	Timings             Timings  `json:"timings"`
	TotalProcessingTime int64    `json:"total_processing_time_ms"`
	RequestID           string   `json:"request_id,omitempty"`
}

// SpeechToTextResponse is returned by POST /api/v1/voice/speech-to-text.
type SpeechToTextResponse struct {
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	Language         string  `json:"language,omitempty"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	Cached           bool    `json:"cached"`
}

// TextToSpeechRequest is the JSON body of POST /api/v1/voice/text-to-speech.
type TextToSpeechRequest struct {
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}
