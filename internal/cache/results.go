package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/ellie/internal/observe"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

// Option configures the typed result caches.
type Option func(*typed)

// WithMetrics records hit/miss counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *typed) { t.metrics = m }
}

// WithLogger sets the logger used to report backend failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *typed) {
		if l != nil {
			t.log = l
		}
	}
}

// typed holds what both result caches share.
type typed struct {
	name    string
	c       Cache
	ttl     time.Duration
	metrics *observe.Metrics
	log     *slog.Logger
}

func newTyped(name string, c Cache, ttl time.Duration, opts []Option) typed {
	t := typed{name: name, c: c, ttl: ttl, log: slog.Default()}
	for _, o := range opts {
		o(&t)
	}
	return t
}

func (t *typed) get(ctx context.Context, key string, v any) bool {
	data, ok, err := t.c.Get(ctx, key)
	if err != nil {
		t.log.Warn("cache: lookup failed", "cache", t.name, "err", err)
	}
	if ok {
		if err := json.Unmarshal(data, v); err != nil {
			t.log.Warn("cache: discarding undecodable entry", "cache", t.name, "err", err)
			ok = false
		}
	}
	if t.metrics != nil {
		t.metrics.RecordCacheLookup(ctx, t.name, ok)
	}
	return ok
}

func (t *typed) put(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		t.log.Warn("cache: encode failed", "cache", t.name, "err", err)
		return
	}
	if err := t.c.Set(ctx, key, data, t.ttl); err != nil {
		t.log.Warn("cache: store failed", "cache", t.name, "err", err)
	}
}

// Transcripts caches STT results by audio digest and language.
// A nil *Transcripts always misses.
type Transcripts struct{ typed }

// NewTranscripts returns a transcript cache on c whose entries live for ttl.
func NewTranscripts(c Cache, ttl time.Duration, opts ...Option) *Transcripts {
	return &Transcripts{newTyped("stt", c, ttl, opts)}
}

type transcriptEntry struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
}

func transcriptKey(a stt.Audio) string {
	return Key("stt", a.Data, []byte(strings.ToLower(a.Language)))
}

// Get returns the cached transcript for a.
func (t *Transcripts) Get(ctx context.Context, a stt.Audio) (*stt.Transcript, bool) {
	if t == nil {
		return nil, false
	}
	var e transcriptEntry
	if !t.get(ctx, transcriptKey(a), &e) || e.Text == "" {
		return nil, false
	}
	return &stt.Transcript{
		Text:       e.Text,
		Confidence: e.Confidence,
		Language:   e.Language,
		Duration:   time.Duration(e.DurationMs) * time.Millisecond,
	}, true
}

// Put stores tr for a. Empty transcripts are not cached.
func (t *Transcripts) Put(ctx context.Context, a stt.Audio, tr *stt.Transcript) {
	if t == nil || tr == nil || strings.TrimSpace(tr.Text) == "" {
		return
	}
	t.put(ctx, transcriptKey(a), transcriptEntry{
		Text:       tr.Text,
		Confidence: tr.Confidence,
		Language:   tr.Language,
		DurationMs: tr.Duration.Milliseconds(),
	})
}

// Speech caches synthesized audio by text, voice and speed.
// A nil *Speech always misses.
type Speech struct{ typed }

// NewSpeech returns a speech cache on c whose entries live for ttl.
func NewSpeech(c Cache, ttl time.Duration, opts ...Option) *Speech {
	return &Speech{newTyped("tts", c, ttl, opts)}
}

type speechEntry struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
}

func speechKey(req tts.Request) string {
	return Key("tts",
		[]byte(req.Text),
		[]byte(req.Voice),
		[]byte(strconv.FormatFloat(req.Speed, 'f', 2, 64)),
	)
}

// Get returns the cached audio for req.
func (s *Speech) Get(ctx context.Context, req tts.Request) (*tts.Audio, bool) {
	if s == nil {
		return nil, false
	}
	var e speechEntry
	if !s.get(ctx, speechKey(req), &e) || len(e.Data) == 0 {
		return nil, false
	}
	return &tts.Audio{Data: e.Data, MIMEType: e.MIMEType}, true
}

// Put stores a for req. Empty audio is not cached.
func (s *Speech) Put(ctx context.Context, req tts.Request, a *tts.Audio) {
	if s == nil || a == nil || len(a.Data) == 0 {
		return
	}
	s.put(ctx, speechKey(req), speechEntry{Data: a.Data, MIMEType: a.MIMEType})
}
