package resilience

import (
	"context"

	"github.com/MrWong99/ellie/pkg/provider/llm"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

// STTChain is an [stt.Provider] backed by a [Chain] of recognisers.
type STTChain struct{ *Chain[stt.Provider] }

// NewSTTChain returns an empty recogniser chain.
func NewSTTChain(cfg ChainConfig) *STTChain {
	return &STTChain{NewChain[stt.Provider](cfg)}
}

// Transcribe sends the clip to the first healthy recogniser. Empty audio is
// rejected up front; every backend would refuse it alike.
func (c *STTChain) Transcribe(ctx context.Context, audio stt.Audio) (*stt.Transcript, error) {
	if len(audio.Data) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	return Call(ctx, c.Chain, func(ctx context.Context, p stt.Provider) (*stt.Transcript, error) {
		return p.Transcribe(ctx, audio)
	})
}

// LLMChain is an [llm.Provider] backed by a [Chain] of language models.
type LLMChain struct{ *Chain[llm.Provider] }

// NewLLMChain returns an empty model chain.
func NewLLMChain(cfg ChainConfig) *LLMChain {
	return &LLMChain{NewChain[llm.Provider](cfg)}
}

// Complete sends req to the first healthy model.
func (c *LLMChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, c.Chain, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary model. Fallbacks are assumed to cope with
// whatever the primary accepts.
func (c *LLMChain) Capabilities() llm.ModelCapabilities {
	if p, ok := c.Primary(); ok {
		return p.Capabilities()
	}
	return llm.ModelCapabilities{}
}

// TTSChain is a [tts.Provider] backed by a [Chain] of synthesisers.
type TTSChain struct{ *Chain[tts.Provider] }

// NewTTSChain returns an empty synthesiser chain.
func NewTTSChain(cfg ChainConfig) *TTSChain {
	return &TTSChain{NewChain[tts.Provider](cfg)}
}

// Synthesize renders req on the first healthy synthesiser.
func (c *TTSChain) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if req.Text == "" {
		return nil, tts.ErrEmptyText
	}
	return Call(ctx, c.Chain, func(ctx context.Context, p tts.Provider) (*tts.Audio, error) {
		return p.Synthesize(ctx, req)
	})
}

var (
	_ stt.Provider = (*STTChain)(nil)
	_ llm.Provider = (*LLMChain)(nil)
	_ tts.Provider = (*TTSChain)(nil)
)
