package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/ellie/pkg/provider/tts"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("key", WithModel("tts-1-hd"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "tts-1-hd" {
		t.Errorf("model = %q, want tts-1-hd", p.model)
	}
}

func TestSynthesize(t *testing.T) {
	var gotPath string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake-mp3"))
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello", Voice: tts.VoiceNova, Speed: 1.5})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio.Data) != "ID3fake-mp3" {
		t.Errorf("Data = %q, want ID3fake-mp3", audio.Data)
	}
	if audio.MIMEType != "audio/mpeg" {
		t.Errorf("MIMEType = %q, want audio/mpeg", audio.MIMEType)
	}
	if gotPath != "/audio/speech" {
		t.Errorf("path = %q, want /audio/speech", gotPath)
	}
	if body["input"] != "Hello" {
		t.Errorf("input = %v, want Hello", body["input"])
	}
	if body["voice"] != "nova" {
		t.Errorf("voice = %v, want nova", body["voice"])
	}
	if body["model"] != "tts-1" {
		t.Errorf("model = %v, want tts-1", body["model"])
	}
	if body["speed"] != 1.5 {
		t.Errorf("speed = %v, want 1.5", body["speed"])
	}
	if body["response_format"] != "mp3" {
		t.Errorf("response_format = %v, want mp3", body["response_format"])
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), tts.Request{}); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad voice"}}`))
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Error("expected error for HTTP 400")
	}
}
