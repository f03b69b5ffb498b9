package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/ellie/pkg/audio"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

// fakeServer is a minimal stream-input endpoint that records the messages it
// receives and answers with the configured chunks.
type fakeServer struct {
	mu       sync.Mutex
	path     string
	query    url.Values
	received []textMessage
	chunks   [][]byte
	errMsg   string
}

func (f *fakeServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		f.mu.Lock()
		f.path = r.URL.Path
		f.query = r.URL.Query()
		f.mu.Unlock()

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			f.mu.Lock()
			f.received = append(f.received, m)
			f.mu.Unlock()
			if m.Text == "" {
				break
			}
		}

		if f.errMsg != "" {
			_ = writeJSON(ctx, conn, audioResponse{Error: f.errMsg})
			return
		}
		for _, c := range f.chunks {
			_ = writeJSON(ctx, conn, audioResponse{Audio: base64.StdEncoding.EncodeToString(c)})
		}
		_ = writeJSON(ctx, conn, audioResponse{IsFinal: true})
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func newTestProvider(t *testing.T, f *fakeServer, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	opts = append([]Option{WithEndpoint("ws" + strings.TrimPrefix(srv.URL, "http"))}, opts...)
	p, err := New("test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("outputFormat = %q, want %q", p.outputFormat, defaultOutputFmt)
	}
	for _, v := range tts.Voices {
		if p.voiceIDs[v] == "" {
			t.Errorf("voice %q has no ElevenLabs mapping", v)
		}
	}
}

func TestNew_WithVoiceIDs(t *testing.T) {
	p, _ := New("key", WithVoiceIDs(map[string]string{tts.VoiceNova: "custom"}))
	if p.voiceIDs[tts.VoiceNova] != "custom" {
		t.Errorf("nova = %q, want custom", p.voiceIDs[tts.VoiceNova])
	}
	if p.voiceIDs[tts.VoiceAlloy] != defaultVoiceIDs[tts.VoiceAlloy] {
		t.Error("default mapping for alloy was dropped")
	}
}

func TestBuildURL(t *testing.T) {
	p, _ := New("key", WithModel("eleven_turbo_v2"))
	u, err := url.Parse(p.buildURL("abc123"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" || u.Host != "api.elevenlabs.io" {
		t.Errorf("endpoint = %s://%s, want wss://api.elevenlabs.io", u.Scheme, u.Host)
	}
	if u.Path != "/v1/text-to-speech/abc123/stream-input" {
		t.Errorf("path = %q", u.Path)
	}
	if got := u.Query().Get("model_id"); got != "eleven_turbo_v2" {
		t.Errorf("model_id = %q, want eleven_turbo_v2", got)
	}
}

func TestClampSpeed(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{0.25, minSpeed},
		{1.0, 1.0},
		{4.0, maxSpeed},
	}
	for _, tt := range tests {
		if got := clampSpeed(tt.in); got != tt.want {
			t.Errorf("clampSpeed(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSynthesize(t *testing.T) {
	f := &fakeServer{chunks: [][]byte{[]byte("ID3"), []byte("mp3-data")}}
	p := newTestProvider(t, f)

	out, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello there", Voice: tts.VoiceOnyx, Speed: 1.1})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(out.Data) != "ID3mp3-data" {
		t.Errorf("Data = %q, want ID3mp3-data", out.Data)
	}
	if out.MIMEType != "audio/mpeg" {
		t.Errorf("MIMEType = %q, want audio/mpeg", out.MIMEType)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if want := "/v1/text-to-speech/" + defaultVoiceIDs[tts.VoiceOnyx] + "/stream-input"; f.path != want {
		t.Errorf("path = %q, want %q", f.path, want)
	}
	if len(f.received) != 3 {
		t.Fatalf("received %d messages, want 3", len(f.received))
	}
	first := f.received[0]
	if first.XiAPIKey != "test-key" {
		t.Errorf("xi_api_key = %q, want test-key", first.XiAPIKey)
	}
	if first.VoiceSettings == nil || first.VoiceSettings.Speed != 1.1 {
		t.Errorf("voice_settings = %+v, want speed 1.1", first.VoiceSettings)
	}
	if f.received[1].Text != "Hello there " {
		t.Errorf("text = %q, want %q", f.received[1].Text, "Hello there ")
	}
}

func TestSynthesize_PCMWrappedAsWAV(t *testing.T) {
	f := &fakeServer{chunks: [][]byte{{1, 0, 2, 0}}}
	p := newTestProvider(t, f, WithOutputFormat("pcm_16000"))

	out, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.MIMEType != "audio/wav" {
		t.Errorf("MIMEType = %q, want audio/wav", out.MIMEType)
	}
	pcm, err := audio.DecodeWAV(out.Data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if pcm.SampleRate != 16000 || len(pcm.Data) != 4 {
		t.Errorf("pcm = %d Hz / %d bytes, want 16000 Hz / 4 bytes", pcm.SampleRate, len(pcm.Data))
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	f := &fakeServer{errMsg: "quota exceeded"}
	p := newTestProvider(t, f)
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("err = %v, want quota exceeded", err)
	}
}

func TestSynthesize_NoAudio(t *testing.T) {
	f := &fakeServer{}
	p := newTestProvider(t, f)
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Error("expected error when no audio is received")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), tts.Request{}); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestPCMRate(t *testing.T) {
	tests := []struct {
		format string
		rate   int
		ok     bool
	}{
		{"pcm_16000", 16000, true},
		{"pcm_44100", 44100, true},
		{"mp3_44100_128", 0, false},
		{"pcm_x", 0, false},
	}
	for _, tt := range tests {
		rate, ok := pcmRate(tt.format)
		if rate != tt.rate || ok != tt.ok {
			t.Errorf("pcmRate(%q) = %d, %v, want %d, %v", tt.format, rate, ok, tt.rate, tt.ok)
		}
	}
}
