//go:build whispercpp

// NativeProvider runs whisper.cpp in process through its CGO bindings.
// libwhisper.a and whisper.h must be reachable through LIBRARY_PATH and
// C_INCLUDE_PATH at build time.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/ellie/pkg/audio"
	"github.com/MrWong99/ellie/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider transcribes WAV clips with a whisper.cpp model loaded once
// at construction. Each call gets its own whisper context; at most
// [WithNativeConcurrency] inferences run at the same time.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	slots    chan struct{}
	log      *slog.Logger
}

// NativeOption configures a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language used when a clip carries none.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeConcurrency bounds parallel inferences. whisper.cpp already uses
// every core for a single clip, so the default is 1.
func WithNativeConcurrency(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.slots = make(chan struct{}, n)
		}
	}
}

// WithNativeLogger sets the logger. Default slog.Default().
func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(p *NativeProvider) { p.log = l }
}

// NewNative loads the model at modelPath. Close releases it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	p := &NativeProvider{
		language: "en",
		slots:    make(chan struct{}, 1),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p.model = model
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe implements stt.Provider. Only WAV input is accepted. Inference
// itself cannot be interrupted, so ctx is honoured while waiting for a slot
// and checked again once the model returns.
func (p *NativeProvider) Transcribe(ctx context.Context, clip stt.Audio) (*stt.Transcript, error) {
	if len(clip.Data) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	pcm, err := audio.DecodeWAV(clip.Data)
	if err != nil {
		return nil, fmt.Errorf("whisper: native provider needs WAV input: %w", err)
	}
	lang := clip.Language
	if lang == "" {
		lang = p.language
	}

	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		return nil, fmt.Errorf("whisper: %w", ctx.Err())
	}

	text, err := p.infer(audio.Float32(audio.ToMono16k(pcm)), lang)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	return &stt.Transcript{
		Text:     text,
		Language: lang,
		Duration: time.Duration(pcm.DurationMs()) * time.Millisecond,
	}, nil
}

func (p *NativeProvider) infer(samples []float32, lang string) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		p.log.Warn("whisper: unsupported language, using model default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(t)
		}
	}
}
