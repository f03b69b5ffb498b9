// Package whisper provides whisper.cpp-backed STT providers.
//
// [Provider] uploads the clip to a whisper-server process (POST /inference).
// The bytes are forwarded as received, so the server must run with --convert
// to accept containers other than 16 kHz WAV.
//
// [NativeProvider] (build tag whispercpp) runs inference in-process through
// the whisper.cpp CGO bindings.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	tr, err := p.Transcribe(ctx, stt.Audio{Data: wav, Filename: "utterance.wav"})
package whisper

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/ellie/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel names the model the server should use. Empty keeps the model the
// server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when Audio.Language is empty.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements stt.Provider against a whisper.cpp server.
type Provider struct {
	endpoint string
	model    string
	language string
	client   *http.Client
}

// New returns a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("whisper: base URL is required")
	}
	p := &Provider{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/inference",
		language: "en",
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inference is the verbose_json reply. Older servers answer with text only.
type inference struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcribe uploads the clip and returns the server's transcript.
func (p *Provider) Transcribe(ctx context.Context, clip stt.Audio) (*stt.Transcript, error) {
	if len(clip.Data) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	lang := cmp.Or(clip.Language, p.language)

	body, contentType, err := p.form(clip, lang)
	if err != nil {
		return nil, fmt.Errorf("whisper: build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: post inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whisper: inference returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out inference
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("whisper: decode inference: %w", err)
	}

	return &stt.Transcript{
		Text:     strings.TrimSpace(out.Text),
		Language: cmp.Or(out.Language, lang),
		Duration: time.Duration(out.Duration * float64(time.Second)),
	}, nil
}

// form encodes the multipart upload /inference expects.
func (p *Provider) form(clip stt.Audio, lang string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", cmp.Or(clip.Filename, "audio.wav"))
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(clip.Data); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"response_format", "verbose_json"},
		{"language", lang},
		{"model", p.model},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
