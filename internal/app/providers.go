package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/ellie/internal/observe"
	"github.com/MrWong99/ellie/internal/resilience"
	"github.com/MrWong99/ellie/pkg/provider/llm"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

// ErrNotConfigured is returned by the stand-in provider of a stage that has
// no provider configured. The turn orchestrator treats it like any other
// stage failure.
var ErrNotConfigured = errors.New("app: provider not configured")

// Named pairs a provider with the name it was configured under.
type Named[T any] struct {
	Name     string
	Provider T
}

// Providers holds the provider chain of each pipeline stage: the primary
// first, then its fallbacks in order. An empty chain means the stage is not
// configured. Populated by main.go via the config registry.
type Providers struct {
	STT []Named[stt.Provider]
	LLM []Named[llm.Provider]
	TTS []Named[tts.Provider]
}

// configured reports, per stage, whether a provider chain exists.
func (p *Providers) configured() map[string]bool {
	return map[string]bool{
		"stt": len(p.STT) > 0,
		"llm": len(p.LLM) > 0,
		"tts": len(p.TTS) > 0,
	}
}

// chainConfig returns the chain settings for one stage. Every member call is
// counted under its own name so provider metrics show the backend that
// actually served the request.
func chainConfig(kind string, cb resilience.CircuitBreakerConfig, log *slog.Logger, m *observe.Metrics) resilience.ChainConfig {
	cfg := resilience.ChainConfig{Breaker: cb, Logger: log.With("stage", kind)}
	if m != nil {
		cfg.Breaker.OnStateChange = breakerObserver(kind, m)
		cfg.OnAttempt = func(ctx context.Context, member string, err error) {
			status := "ok"
			if err != nil {
				status = "error"
				m.RecordProviderError(ctx, member, kind)
			}
			m.RecordProviderRequest(ctx, member, kind, status)
		}
	}
	return cfg
}

// breakerObserver counts breaker transitions under kind.
func breakerObserver(kind string, m *observe.Metrics) func(string, resilience.State, resilience.State) {
	return func(name string, _, to resilience.State) {
		m.RecordBreakerTransition(context.Background(), kind, name, to.String())
	}
}

func buildSTT(chain []Named[stt.Provider], cfg resilience.ChainConfig) stt.Provider {
	if len(chain) == 0 {
		return unconfiguredSTT{}
	}
	c := resilience.NewSTTChain(cfg)
	for _, n := range chain {
		c.Add(n.Name, n.Provider)
	}
	return c
}

func buildLLM(chain []Named[llm.Provider], cfg resilience.ChainConfig) llm.Provider {
	if len(chain) == 0 {
		return unconfiguredLLM{}
	}
	c := resilience.NewLLMChain(cfg)
	for _, n := range chain {
		c.Add(n.Name, n.Provider)
	}
	return c
}

func buildTTS(chain []Named[tts.Provider], cfg resilience.ChainConfig) tts.Provider {
	if len(chain) == 0 {
		return unconfiguredTTS{}
	}
	c := resilience.NewTTSChain(cfg)
	for _, n := range chain {
		c.Add(n.Name, n.Provider)
	}
	return c
}

// ─── Unconfigured stages ─────────────────────────────────────────────────────

type unconfiguredSTT struct{}

func (unconfiguredSTT) Transcribe(context.Context, stt.Audio) (*stt.Transcript, error) {
	return nil, ErrNotConfigured
}

type unconfiguredLLM struct{}

func (unconfiguredLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, ErrNotConfigured
}

func (unconfiguredLLM) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

type unconfiguredTTS struct{}

func (unconfiguredTTS) Synthesize(context.Context, tts.Request) (*tts.Audio, error) {
	return nil, ErrNotConfigured
}

var (
	_ stt.Provider = unconfiguredSTT{}
	_ llm.Provider = unconfiguredLLM{}
	_ tts.Provider = unconfiguredTTS{}
)

// breakerConfig maps the health section onto the circuit breaker settings
// shared by the tracker and the provider chains.
func breakerConfig(maxFailures int, resetTimeout time.Duration, halfOpenMax int) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  maxFailures,
		ResetTimeout: resetTimeout,
		HalfOpenMax:  halfOpenMax,
	}
}
