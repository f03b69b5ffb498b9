// Package coqui implements tts.Provider against a self-hosted Coqui TTS
// server. Both the stock server (GET /api/tts) and the XTTS v2 API server
// (POST /tts_to_audio/) are supported; see [APIMode].
//
// Coqui quality drops on long inputs, so a reply is rendered sentence by
// sentence with a bounded number of requests in flight, and the PCM is joined
// back into one WAV clip in the original order.
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithSpeakers(map[string]string{"nova": "p225"}),
//	)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ellie/pkg/audio"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	standardPath = "/api/tts"
	xttsPath     = "/tts_to_audio/"

	// inFlight bounds concurrent sentence requests per Synthesize call.
	inFlight = 4
)

// ErrNoSpeaker is returned in XTTS mode when the request voice resolves to no
// speaker reference.
var ErrNoSpeaker = errors.New("coqui: xtts mode needs a speaker")

// APIMode selects the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the language id sent with every request. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each sentence request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode picks the server flavour. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithSpeakers maps public voice names (alloy, nova, ...) to Coqui speaker
// ids. In standard mode an unmapped voice uses the model's default speaker;
// in XTTS mode the voice name itself is sent as the speaker reference.
func WithSpeakers(speakers map[string]string) Option {
	return func(p *Provider) { p.speakers = speakers }
}

// WithOutputSampleRate resamples mono output to rate. Zero keeps the model's
// native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.rate = rate }
}

// Provider is safe for concurrent use.
type Provider struct {
	base     string
	language string
	mode     APIMode
	speakers map[string]string
	rate     int
	client   *http.Client
}

// New returns a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: base URL is required")
	}
	p := &Provider{
		base:     strings.TrimSuffix(baseURL, "/"),
		language: "en",
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	return p, nil
}

// Synthesize renders req.Text as one mono WAV clip. Coqui has no speed
// control, so req.Speed is ignored.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	sentences := Sentences(req.Text)
	if len(sentences) == 0 {
		return nil, tts.ErrEmptyText
	}
	speaker := p.speaker(req.Voice)
	if p.mode == APIModeXTTS && speaker == "" {
		return nil, ErrNoSpeaker
	}

	clips := make([]audio.PCM, len(sentences))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inFlight)
	for i, s := range sentences {
		g.Go(func() (err error) {
			clips[i], err = p.render(gctx, s, speaker)
			if err != nil {
				return fmt.Errorf("coqui: sentence %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	wav, err := p.stitch(clips)
	if err != nil {
		return nil, err
	}
	return &tts.Audio{Data: wav, MIMEType: audio.FormatWAV.MIMEType()}, nil
}

func (p *Provider) speaker(voice string) string {
	if id := p.speakers[voice]; id != "" {
		return id
	}
	if p.mode == APIModeXTTS {
		return voice
	}
	return ""
}

// stitch joins clips that share one format and encodes the result as WAV.
func (p *Provider) stitch(clips []audio.PCM) ([]byte, error) {
	rate, channels := clips[0].SampleRate, clips[0].Channels
	size := 0
	for i, c := range clips {
		if c.SampleRate != rate || c.Channels != channels {
			return nil, fmt.Errorf("coqui: sentence %d is %d Hz/%d ch, first was %d Hz/%d ch",
				i, c.SampleRate, c.Channels, rate, channels)
		}
		size += len(c.Data)
	}
	pcm := make([]byte, 0, size)
	for _, c := range clips {
		pcm = append(pcm, c.Data...)
	}

	if p.rate > 0 && p.rate != rate && channels == 1 {
		pcm, rate = audio.Resample(pcm, rate, p.rate), p.rate
	}
	return audio.EncodeWAV(pcm, rate, channels), nil
}

// render fetches one sentence and decodes the WAV reply.
func (p *Provider) render(ctx context.Context, sentence, speaker string) (audio.PCM, error) {
	req, err := p.request(ctx, sentence, speaker)
	if err != nil {
		return audio.PCM{}, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return audio.PCM{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return audio.PCM{}, fmt.Errorf("%s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.PCM{}, fmt.Errorf("read body: %w", err)
	}
	return audio.DecodeWAV(body)
}

type xttsBody struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func (p *Provider) request(ctx context.Context, sentence, speaker string) (*http.Request, error) {
	if p.mode == APIModeXTTS {
		body, err := json.Marshal(xttsBody{Text: sentence, SpeakerWav: speaker, Language: p.language})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+xttsPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	q := url.Values{"text": {sentence}}
	if speaker != "" {
		q.Set("speaker_id", speaker)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.base+standardPath+"?"+q.Encode(), nil)
}

// Sentences splits text after '.', '!' or '?' when the mark ends the text or
// is followed by whitespace, so "3.14" and "e.g.x" stay whole. Blank pieces
// are dropped.
func Sentences(text string) []string {
	var out []string
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
			emit(string(runes[start : i+1]))
			start = i + 1
		}
	}
	emit(string(runes[start:]))
	return out
}
