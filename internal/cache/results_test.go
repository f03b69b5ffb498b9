package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/ellie/internal/observe"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

func TestTranscripts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tc := NewTranscripts(NewMemory(8), time.Hour)

	a := stt.Audio{Data: []byte("RIFF....WAVE"), Language: "en"}
	if _, ok := tc.Get(ctx, a); ok {
		t.Fatal("Get on empty cache hit")
	}

	tc.Put(ctx, a, &stt.Transcript{Text: "book a cleaning", Confidence: 0.92, Language: "en", Duration: 1500 * time.Millisecond})
	got, ok := tc.Get(ctx, a)
	if !ok {
		t.Fatal("Get after Put missed")
	}
	if got.Text != "book a cleaning" || got.Confidence != 0.92 || got.Duration != 1500*time.Millisecond {
		t.Errorf("Get = %+v", got)
	}

	// Language is part of the key.
	other := a
	other.Language = "de"
	if _, ok := tc.Get(ctx, other); ok {
		t.Error("Get with a different language hit")
	}
	// Language comparison is case-insensitive.
	upper := a
	upper.Language = "EN"
	if _, ok := tc.Get(ctx, upper); !ok {
		t.Error("Get with upper-case language missed")
	}
}

func TestTranscripts_SkipsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemory(8)
	tc := NewTranscripts(mem, time.Hour)

	tc.Put(ctx, stt.Audio{Data: []byte("x")}, &stt.Transcript{Text: "  "})
	tc.Put(ctx, stt.Audio{Data: []byte("y")}, nil)
	if mem.Len() != 0 {
		t.Errorf("Len = %d, want 0", mem.Len())
	}
}

func TestSpeech(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sc := NewSpeech(NewMemory(8), 24*time.Hour)

	req := tts.Request{Text: "See you tomorrow.", Voice: tts.VoiceNova, Speed: 1}
	sc.Put(ctx, req, &tts.Audio{Data: []byte{0xFF, 0xFB, 0x90}, MIMEType: "audio/mpeg"})

	got, ok := sc.Get(ctx, req)
	if !ok {
		t.Fatal("Get after Put missed")
	}
	if !bytes.Equal(got.Data, []byte{0xFF, 0xFB, 0x90}) || got.MIMEType != "audio/mpeg" {
		t.Errorf("Get = %+v", got)
	}

	tests := []struct {
		name string
		req  tts.Request
	}{
		{"voice", tts.Request{Text: req.Text, Voice: tts.VoiceEcho, Speed: 1}},
		{"speed", tts.Request{Text: req.Text, Voice: tts.VoiceNova, Speed: 1.25}},
		{"text", tts.Request{Text: "See you.", Voice: tts.VoiceNova, Speed: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := sc.Get(ctx, tt.req); ok {
				t.Errorf("Get with different %s hit", tt.name)
			}
		})
	}
}

func TestNilCachesMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var tc *Transcripts
	tc.Put(ctx, stt.Audio{Data: []byte("x")}, &stt.Transcript{Text: "hi"})
	if _, ok := tc.Get(ctx, stt.Audio{Data: []byte("x")}); ok {
		t.Error("nil Transcripts hit")
	}

	var sc *Speech
	sc.Put(ctx, tts.Request{Text: "hi"}, &tts.Audio{Data: []byte("x")})
	if _, ok := sc.Get(ctx, tts.Request{Text: "hi"}); ok {
		t.Error("nil Speech hit")
	}
}

// failingCache fails every operation.
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingCache) Ping(context.Context) error { return errors.New("connection refused") }
func (failingCache) Close() error               { return nil }

func TestBackendFailureIsMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sc := NewSpeech(failingCache{}, time.Hour)

	req := tts.Request{Text: "hello", Voice: tts.VoiceAlloy, Speed: 1}
	sc.Put(ctx, req, &tts.Audio{Data: []byte("x")})
	if _, ok := sc.Get(ctx, req); ok {
		t.Error("Get on failing backend hit")
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemory(8)
	tc := NewTranscripts(mem, time.Hour)

	a := stt.Audio{Data: []byte("x"), Language: "en"}
	_ = mem.Set(ctx, transcriptKey(a), []byte("{not json"), 0)
	if _, ok := tc.Get(ctx, a); ok {
		t.Error("Get on corrupt entry hit")
	}
}

func TestLookupMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sc := NewSpeech(NewMemory(8), time.Hour, WithMetrics(m))
	req := tts.Request{Text: "hello", Voice: tts.VoiceAlloy, Speed: 1}
	sc.Get(ctx, req)
	sc.Put(ctx, req, &tts.Audio{Data: []byte("x")})
	sc.Get(ctx, req)
	sc.Get(ctx, req)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	hits, misses := int64(0), int64(0)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "ellie.cache.lookups" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("ellie.cache.lookups is %T, want Sum[int64]", met.Data)
			}
			for _, dp := range sum.DataPoints {
				hit, _ := dp.Attributes.Value(attribute.Key("hit"))
				if hit.AsBool() {
					hits += dp.Value
				} else {
					misses += dp.Value
				}
			}
		}
	}
	if hits != 2 || misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", hits, misses)
	}
}
