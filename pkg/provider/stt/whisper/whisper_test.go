package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/ellie/pkg/audio"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/stt/whisper"
)

type inferenceRequest struct {
	filename string
	language string
	model    string
	format   string
	audio    []byte
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText and records the last upload.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32, last *inferenceRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if last != nil {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("ParseMultipartForm: %v", err)
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				t.Errorf("FormFile: %v", err)
			} else {
				last.filename = hdr.Filename
				last.audio, _ = io.ReadAll(f)
				f.Close()
			}
			last.language = r.FormValue("language")
			last.model = r.FormValue("model")
			last.format = r.FormValue("response_format")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestTranscribe_Success(t *testing.T) {
	var calls atomic.Int32
	var last inferenceRequest
	srv := newMockServer(t, "  hello there  ", &calls, &last)
	defer srv.Close()

	p, err := whisper.New(srv.URL+"/", whisper.WithModel("base.en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wav := audio.EncodeWAV(make([]byte, 3200), 16000, 1)
	tr, err := p.Transcribe(context.Background(), stt.Audio{Data: wav, Filename: "clip.wav", Language: "de"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello there" {
		t.Errorf("Text = %q, want %q", tr.Text, "hello there")
	}
	if tr.Language != "de" {
		t.Errorf("Language = %q, want de", tr.Language)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if last.filename != "clip.wav" {
		t.Errorf("filename = %q, want clip.wav", last.filename)
	}
	if last.language != "de" {
		t.Errorf("language field = %q, want de", last.language)
	}
	if last.model != "base.en" {
		t.Errorf("model field = %q, want base.en", last.model)
	}
	if last.format != "verbose_json" {
		t.Errorf("response_format = %q, want verbose_json", last.format)
	}
	if len(last.audio) != len(wav) {
		t.Errorf("uploaded %d bytes, want %d", len(last.audio), len(wav))
	}
}

func TestTranscribe_DefaultLanguage(t *testing.T) {
	var last inferenceRequest
	srv := newMockServer(t, "hi", nil, &last)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Audio{Data: []byte("RIFF....WAVE")}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if last.language != "en" {
		t.Errorf("language = %q, want en", last.language)
	}
	if last.filename != "audio.wav" {
		t.Errorf("filename = %q, want audio.wav", last.filename)
	}
}

func TestTranscribe_VerboseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"task":"transcribe","language":"german","duration":2.5,"text":" Guten Morgen ","segments":[]}`)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), stt.Audio{Data: []byte{1}})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Guten Morgen" || tr.Language != "german" {
		t.Errorf("transcript = %+v, want detected language and trimmed text", tr)
	}
	if tr.Duration != 2500*time.Millisecond {
		t.Errorf("Duration = %v, want 2.5s", tr.Duration)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	p, _ := whisper.New("http://127.0.0.1:1")
	if _, err := p.Transcribe(context.Background(), stt.Audio{}); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("err = %v, want ErrEmptyAudio", err)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), stt.Audio{Data: []byte{1}})
	if err == nil || !strings.Contains(err.Error(), "returned 500: boom") {
		t.Errorf("err = %v, want status and body", err)
	}
}

func TestTranscribe_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not json")
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Audio{Data: []byte{1}}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	srv := newMockServer(t, "hi", nil, nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(ctx, stt.Audio{Data: []byte{1}}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
