// Package deepgram implements stt.Provider with the Deepgram pre-recorded
// API (POST /v1/listen). The clip is sent as the raw request body.
package deepgram

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/ellie/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// LanguageAuto asks Deepgram to detect the spoken language.
const LanguageAuto = "auto"

// ErrNoAlternatives is returned when a response carries no transcript.
var ErrNoAlternatives = errors.New("deepgram: response has no alternatives")

// Option configures a Provider.
type Option func(*Provider)

// WithModel selects the model. Defaults to "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when Audio.Language is empty.
// LanguageAuto enables detection. Defaults to "en".
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithKeywords boosts recognition of business terms such as staff names.
func WithKeywords(keywords ...string) Option {
	return func(p *Provider) { p.keywords = append(p.keywords, keywords...) }
}

// WithKeywordBoost sets the intensity sent with each keyword. Defaults to 2.
func WithKeywordBoost(boost int) Option {
	return func(p *Provider) { p.boost = boost }
}

// WithEndpoint overrides the listen URL, for self-hosted Deepgram.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements stt.Provider against Deepgram.
type Provider struct {
	apiKey   string
	model    string
	language string
	keywords []string
	boost    int
	endpoint string
	client   *http.Client
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    "nova-3",
		language: "en",
		boost:    2,
		endpoint: "https://api.deepgram.com/v1/listen",
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := url.Parse(p.endpoint); err != nil {
		return nil, fmt.Errorf("deepgram: endpoint: %w", err)
	}
	return p, nil
}

// Transcribe returns the best alternative of the first channel.
func (p *Provider) Transcribe(ctx context.Context, clip stt.Audio) (*stt.Transcript, error) {
	if len(clip.Data) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	lang := cmp.Or(clip.Language, p.language)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.listenURL(lang), bytes.NewReader(clip.Data))
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", cmp.Or(clip.MIMEType, "application/octet-stream"))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: listen: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("deepgram: listen returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	t, err := decode(resp.Body)
	if err != nil {
		return nil, err
	}
	if t.Language == "" && lang != LanguageAuto {
		t.Language = lang
	}
	return t, nil
}

func (p *Provider) listenURL(lang string) string {
	u, _ := url.Parse(p.endpoint)
	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if lang == LanguageAuto {
		q.Set("detect_language", "true")
	} else {
		q.Set("language", lang)
	}
	for _, kw := range p.keywords {
		q.Add("keywords", kw+":"+strconv.Itoa(p.boost))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []word  `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func decode(r io.Reader) (*stt.Transcript, error) {
	var body listenResponse
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("deepgram: decode response: %w", err)
	}
	chans := body.Results.Channels
	if len(chans) == 0 || len(chans[0].Alternatives) == 0 {
		return nil, ErrNoAlternatives
	}

	best := chans[0].Alternatives[0]
	t := &stt.Transcript{
		Text:       strings.TrimSpace(best.Transcript),
		Confidence: best.Confidence,
		Language:   chans[0].DetectedLanguage,
		Duration:   seconds(body.Metadata.Duration),
		Words:      make([]stt.WordDetail, 0, len(best.Words)),
	}
	for _, w := range best.Words {
		t.Words = append(t.Words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}
	return t, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
