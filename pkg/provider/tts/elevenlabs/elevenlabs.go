// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. The streamed chunks are collected
// into a single clip so the provider satisfies the batch tts.Provider
// interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/ellie/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"

	// ElevenLabs accepts voice_settings.speed only within this range.
	minSpeed = 0.7
	maxSpeed = 1.2
)

// defaultVoiceIDs maps the public voice names onto ElevenLabs premade voices.
var defaultVoiceIDs = map[string]string{
	tts.VoiceAlloy:   "21m00Tcm4TlvDq8ikWAM", // Rachel
	tts.VoiceEcho:    "ErXwobaYiN019PkySvjV", // Antoni
	tts.VoiceFable:   "AZnzlk1XvdvUeBnXmlld", // Domi
	tts.VoiceOnyx:    "pNInz6obpgDQGcFmaJgB", // Adam
	tts.VoiceNova:    "EXAVITQu4vr4xnJyZPTE", // Bella
	tts.VoiceShimmer: "MF3mGyEYCl7XYWbV9V6O", // Elli
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128",
// "pcm_16000"). PCM formats are wrapped into WAV before being returned.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoiceIDs overrides the mapping from public voice names to ElevenLabs
// voice IDs. Entries are merged over the defaults.
func WithVoiceIDs(ids map[string]string) Option {
	return func(p *Provider) {
		for k, v := range ids {
			p.voiceIDs[k] = v
		}
	}
}

// WithEndpoint overrides the WebSocket base URL (scheme and host).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	voiceIDs     map[string]string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
		voiceIDs:     make(map[string]string, len(defaultVoiceIDs)),
	}
	for k, v := range defaultVoiceIDs {
		p.voiceIDs[k] = v
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for a text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize opens a stream-input session, sends the whole text followed by
// the flush marker and collects audio until the server reports the final
// chunk or closes the connection.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	voiceID, ok := p.voiceIDs[req.Voice]
	if !ok {
		voiceID = p.voiceIDs[tts.VoiceAlloy]
	}

	conn, _, err := websocket.Dial(ctx, p.buildURL(voiceID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	// The first message authenticates and must carry a single space.
	msgs := []textMessage{
		{
			Text:          " ",
			VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: clampSpeed(req.Speed)},
			XiAPIKey:      p.apiKey,
		},
		{Text: req.Text + " "},
		{Text: ""},
	}
	for _, m := range msgs {
		if err := writeJSON(ctx, conn, m); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var buf bytes.Buffer
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && buf.Len() > 0 {
				break
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio chunk: %w", err)
			}
			buf.Write(chunk)
		}
		if resp.IsFinal {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	if buf.Len() == 0 {
		return nil, errors.New("elevenlabs: no audio received")
	}
	return p.wrap(buf.Bytes()), nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// buildURL constructs the stream-input URL for a given voice.
func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.endpoint, url.PathEscape(voiceID), q.Encode())
}

// clampSpeed maps the public [0.25, 4.0] range onto what ElevenLabs accepts.
// Zero leaves the speed unset.
func clampSpeed(s float64) float64 {
	if s == 0 {
		return 0
	}
	return min(max(s, minSpeed), maxSpeed)
}
