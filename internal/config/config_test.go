package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ellie/internal/config"
	"github.com/MrWong99/ellie/pkg/provider/llm"
	llmmock "github.com/MrWong99/ellie/pkg/provider/llm/mock"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	sttmock "github.com/MrWong99/ellie/pkg/provider/stt/mock"
	"github.com/MrWong99/ellie/pkg/provider/tts"
	ttsmock "github.com/MrWong99/ellie/pkg/provider/tts/mock"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  log_format: json
  environment: production
  max_audio_bytes: 1048576
  ws_heartbeat: 10s

providers:
  stt:
    name: openai
    api_key: sk-test
    model: whisper-1
    fallbacks:
      - name: whisper
        base_url: http://localhost:8178
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
    fallbacks:
      - name: ollama
        model: llama3.2
  tts:
    name: openai
    api_key: sk-test
    options:
      format: mp3

pipeline:
  system_prompt: "You answer the phone for Dr. Okafor's clinic."
  default_voice: nova
  stage_timeouts:
    stt: 10s
    llm: 20s
  vocabulary:
    - Okafor
    - Brightsmile

health:
  max_failures: 3
  reset_timeout: 1m

cache:
  backend: redis
  redis_url: redis://localhost:6379/0
  tts_ttl: 12h
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("log_format = %q, want json", cfg.Server.LogFormat)
	}
	if !cfg.Server.IsProduction() {
		t.Error("IsProduction() = false, want true")
	}
	if cfg.Server.MaxAudioBytes != 1<<20 {
		t.Errorf("max_audio_bytes = %d, want %d", cfg.Server.MaxAudioBytes, 1<<20)
	}
	if cfg.Server.WSHeartbeat != 10*time.Second {
		t.Errorf("ws_heartbeat = %s, want 10s", cfg.Server.WSHeartbeat)
	}
	if got := len(cfg.Providers.STT.Fallbacks); got != 1 {
		t.Fatalf("stt fallbacks = %d, want 1", got)
	}
	if cfg.Providers.STT.Fallbacks[0].BaseURL != "http://localhost:8178" {
		t.Errorf("stt fallback base_url = %q", cfg.Providers.STT.Fallbacks[0].BaseURL)
	}
	if cfg.Providers.LLM.Fallbacks[0].Model != "llama3.2" {
		t.Errorf("llm fallback model = %q, want llama3.2", cfg.Providers.LLM.Fallbacks[0].Model)
	}
	if cfg.Providers.TTS.Options["format"] != "mp3" {
		t.Errorf("tts options = %v", cfg.Providers.TTS.Options)
	}
	if cfg.Pipeline.DefaultVoice != tts.VoiceNova {
		t.Errorf("default_voice = %q, want nova", cfg.Pipeline.DefaultVoice)
	}
	if cfg.Pipeline.StageTimeouts.STT != 10*time.Second || cfg.Pipeline.StageTimeouts.LLM != 20*time.Second {
		t.Errorf("stage_timeouts = %+v", cfg.Pipeline.StageTimeouts)
	}
	// Unset stage timeout falls back to the default.
	if cfg.Pipeline.StageTimeouts.TTS != config.DefaultStageTimeout {
		t.Errorf("stage_timeouts.tts = %s, want %s", cfg.Pipeline.StageTimeouts.TTS, config.DefaultStageTimeout)
	}
	if len(cfg.Pipeline.Vocabulary) != 2 {
		t.Errorf("vocabulary = %v, want 2 entries", cfg.Pipeline.Vocabulary)
	}
	if cfg.Health.MaxFailures != 3 || cfg.Health.ResetTimeout != time.Minute {
		t.Errorf("health = %+v", cfg.Health)
	}
	if cfg.Cache.Backend != config.CacheRedis {
		t.Errorf("cache.backend = %q, want redis", cfg.Cache.Backend)
	}
	if cfg.Cache.TTSTTL != 12*time.Hour {
		t.Errorf("cache.tts_ttl = %s, want 12h", cfg.Cache.TTSTTL)
	}
	if cfg.Cache.STTTTL != config.DefaultSTTCacheTTL {
		t.Errorf("cache.stt_ttl = %s, want %s", cfg.Cache.STTTTL, config.DefaultSTTCacheTTL)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"log_format", cfg.Server.LogFormat, config.LogFormatText},
		{"max_audio_bytes", cfg.Server.MaxAudioBytes, int64(config.DefaultMaxAudioBytes)},
		{"max_concurrent_turns", cfg.Server.MaxConcurrentTurns, config.DefaultMaxConcurrentTurns},
		{"max_connections", cfg.Server.MaxConnections, config.DefaultMaxConnections},
		{"ws_heartbeat", cfg.Server.WSHeartbeat, config.DefaultWSHeartbeat},
		{"default_voice", cfg.Pipeline.DefaultVoice, tts.VoiceAlloy},
		{"system_prompt", cfg.Pipeline.SystemPrompt, config.DefaultSystemPrompt},
		{"cache.backend", cfg.Cache.Backend, config.CacheMemory},
		{"cache.tts_ttl", cfg.Cache.TTSTTL, config.DefaultTTSCacheTTL},
		{"rate_limit.requests", cfg.RateLimit.Requests, config.DefaultRateLimitRequests},
		{"rate_limit.window", cfg.RateLimit.Window, config.DefaultRateLimitWindow},
		{"rate_limit.disabled", cfg.RateLimit.Disabled, false},
		{"telemetry.service_name", cfg.Telemetry.ServiceName, config.DefaultServiceName},
		{"telemetry.trace_sample_ratio", cfg.Telemetry.TraceSampleRatio, 1.0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Server.IsProduction() {
		t.Error("default environment should not be production")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  colour: blue\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{"log level", "server:\n  log_level: verbose\n", "server.log_level"},
		{"log format", "server:\n  log_format: xml\n", "server.log_format"},
		{"negative audio size", "server:\n  max_audio_bytes: -1\n", "server.max_audio_bytes"},
		{"unknown voice", "pipeline:\n  default_voice: robot\n", "pipeline.default_voice"},
		{"empty vocabulary term", "pipeline:\n  vocabulary: [\"Okafor\", \"  \"]\n", "pipeline.vocabulary[1]"},
		{"negative stage timeout", "pipeline:\n  stage_timeouts:\n    llm: -1s\n", "pipeline.stage_timeouts.llm"},
		{"cache backend", "cache:\n  backend: memcached\n", "cache.backend"},
		{"redis without url", "cache:\n  backend: redis\n", "cache.redis_url"},
		{"negative max failures", "health:\n  max_failures: -2\n", "health.max_failures"},
		{"fallback without name", "providers:\n  llm:\n    name: openai\n    fallbacks:\n      - model: x\n", "providers.llm.fallbacks[0].name"},
		{"nested fallbacks", "providers:\n  tts:\n    name: openai\n    fallbacks:\n      - name: coqui\n        fallbacks:\n          - name: elevenlabs\n", "must not be nested"},
		{"fallbacks without primary", "providers:\n  stt:\n    fallbacks:\n      - name: whisper\n", "providers.stt.name"},
		{"negative rate limit", "rate_limit:\n  requests: -5\n", "rate_limit.requests"},
		{"negative rate window", "rate_limit:\n  window: -1s\n", "rate_limit.window"},
		{"trace sample ratio", "telemetry:\n  trace_sample_ratio: 1.5\n", "telemetry.trace_sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %v, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: "loud", LogFormat: "xml"},
		Cache:  config.CacheConfig{Backend: config.CacheRedis},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "server.log_format", "cache.redis_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("ELLIE_DEEPGRAM_API_KEY", "dg-ellie")
	t.Setenv("DEEPGRAM_API_KEY", "dg-vendor")
	t.Setenv("ELLIE_REDIS_URL", "redis://cache:6379/1")
	t.Setenv("ELLIE_ENVIRONMENT", "production")

	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{
				Name:      "deepgram",
				Fallbacks: []config.ProviderEntry{{Name: "openai"}},
			},
			LLM: config.ProviderEntry{Name: "openai", APIKey: "sk-from-yaml"},
			TTS: config.ProviderEntry{Name: "openai"},
		},
	}
	config.ApplyEnv(cfg)

	if got := cfg.Providers.STT.APIKey; got != "dg-ellie" {
		t.Errorf("stt api_key = %q, want ELLIE_ prefixed value", got)
	}
	if got := cfg.Providers.STT.Fallbacks[0].APIKey; got != "sk-from-env" {
		t.Errorf("stt fallback api_key = %q, want sk-from-env", got)
	}
	if got := cfg.Providers.LLM.APIKey; got != "sk-from-yaml" {
		t.Errorf("llm api_key = %q, explicit value must win", got)
	}
	if got := cfg.Providers.TTS.APIKey; got != "sk-from-env" {
		t.Errorf("tts api_key = %q, want sk-from-env", got)
	}
	if cfg.Cache.RedisURL != "redis://cache:6379/1" {
		t.Errorf("redis_url = %q", cfg.Cache.RedisURL)
	}
	if !cfg.Server.IsProduction() {
		t.Error("ELLIE_ENVIRONMENT should set production")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"stt", "llm", "tts"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
	// Unknown names only warn.
	yaml := "providers:\n  llm:\n    name: my-custom-llm\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("unknown provider name should not fail validation: %v", err)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	if _, err := reg.CreateSTT(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateLLM(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateTTS(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterSTT("mock", func(e config.ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return &sttmock.Provider{Result: &stt.Transcript{Text: "hi"}}, nil
	})
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "hello"}}, nil
	})
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	s, err := reg.CreateSTT(config.ProviderEntry{Name: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory entry model = %q, want m1", gotEntry.Model)
	}
	tr, err := s.Transcribe(context.Background(), stt.Audio{Data: []byte{1}})
	if err != nil || tr.Text != "hi" {
		t.Errorf("Transcribe = %v, %v", tr, err)
	}

	l, err := reg.CreateLLM(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	resp, err := l.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "hello" {
		t.Errorf("Complete = %v, %v", resp, err)
	}

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if names := reg.Names("llm"); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Names(llm) = %v, want [mock]", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := errors.New("missing api key")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) {
		return nil, want
	})
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, name := range []string{"whisper", "deepgram", "openai"} {
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	}

	if got := reg.Names("stt"); !slices.Equal(got, []string{"deepgram", "openai", "whisper"}) {
		t.Errorf("Names(stt) = %v, want sorted", got)
	}
	if got := reg.Names("tts"); len(got) != 0 {
		t.Errorf("Names(tts) = %v, want empty", got)
	}
	if got := reg.Names("s2s"); got != nil {
		t.Errorf("Names(s2s) = %v, want nil", got)
	}
}
