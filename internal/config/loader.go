package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/ellie/pkg/provider/tts"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"openai", "deepgram", "whisper", "whisper-native"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs", "coqui"},
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultMaxAudioBytes      = 25 << 20
	DefaultMaxConcurrentTurns = 64
	DefaultMaxConnections     = 1000
	DefaultWSHeartbeat        = 30 * time.Second
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultStageTimeout       = 30 * time.Second
	DefaultSTTCacheTTL        = time.Hour
	DefaultTTSCacheTTL        = 24 * time.Hour
	DefaultCacheMaxEntries    = 1024
	DefaultRateLimitRequests  = 100
	DefaultRateLimitWindow    = time.Minute
	DefaultRateLimitClients   = 10_000
	DefaultServiceName        = "ellie"

	DefaultSystemPrompt = "You are a friendly, concise voice receptionist. " +
		"Answer in one to three short spoken sentences without markdown or lists."
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.Environment == "" {
		s.Environment = "development"
	}
	if s.MaxAudioBytes == 0 {
		s.MaxAudioBytes = DefaultMaxAudioBytes
	}
	if s.MaxConcurrentTurns == 0 {
		s.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = DefaultMaxConnections
	}
	if s.WSHeartbeat == 0 {
		s.WSHeartbeat = DefaultWSHeartbeat
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	p := &cfg.Pipeline
	if p.SystemPrompt == "" {
		p.SystemPrompt = DefaultSystemPrompt
	}
	if p.DefaultVoice == "" {
		p.DefaultVoice = tts.VoiceAlloy
	}
	if p.DefaultLanguage == "" {
		p.DefaultLanguage = "en"
	}
	for _, d := range []*time.Duration{&p.StageTimeouts.STT, &p.StageTimeouts.LLM, &p.StageTimeouts.TTS} {
		if *d == 0 {
			*d = DefaultStageTimeout
		}
	}

	h := &cfg.Health
	if h.MaxFailures == 0 {
		h.MaxFailures = 5
	}
	if h.ResetTimeout == 0 {
		h.ResetTimeout = 30 * time.Second
	}
	if h.HalfOpenMax == 0 {
		h.HalfOpenMax = 1
	}

	c := &cfg.Cache
	if c.Backend == "" {
		c.Backend = CacheMemory
	}
	if c.STTTTL == 0 {
		c.STTTTL = DefaultSTTCacheTTL
	}
	if c.TTSTTL == 0 {
		c.TTSTTL = DefaultTTSCacheTTL
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = DefaultCacheMaxEntries
	}

	rl := &cfg.RateLimit
	if rl.Requests == 0 {
		rl.Requests = DefaultRateLimitRequests
	}
	if rl.Window == 0 {
		rl.Window = DefaultRateLimitWindow
	}
	if rl.MaxClients == 0 {
		rl.MaxClients = DefaultRateLimitClients
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "dev"
	}
	if cfg.Telemetry.TraceSampleRatio == 0 {
		cfg.Telemetry.TraceSampleRatio = 1
	}
}

// ApplyEnv fills secrets and deployment settings from the environment.
//
// Provider API keys are only filled when the YAML leaves them empty:
// ELLIE_<NAME>_API_KEY is consulted first, then the vendor's conventional
// <NAME>_API_KEY (e.g. OPENAI_API_KEY). ELLIE_ENVIRONMENT, ELLIE_LISTEN_ADDR
// and ELLIE_REDIS_URL override their YAML counterparts.
func ApplyEnv(cfg *Config) {
	for _, e := range cfg.Providers.entries() {
		applyAPIKey(e)
	}
	if v := os.Getenv("ELLIE_ENVIRONMENT"); v != "" {
		cfg.Server.Environment = v
	}
	if v := os.Getenv("ELLIE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("ELLIE_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
}

func applyAPIKey(e *ProviderEntry) {
	if e.Name == "" || e.APIKey != "" {
		return
	}
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(e.Name))
	for _, env := range []string{"ELLIE_" + key + "_API_KEY", key + "_API_KEY"} {
		if v := os.Getenv(env); v != "" {
			e.APIKey = v
			return
		}
	}
}

// entries returns pointers to every configured entry including fallbacks.
func (p *ProvidersConfig) entries() []*ProviderEntry {
	var out []*ProviderEntry
	for _, e := range []*ProviderEntry{&p.STT, &p.LLM, &p.TTS} {
		out = append(out, e)
		for i := range e.Fallbacks {
			out = append(out, &e.Fallbacks[i])
		}
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.LogFormat != "" && !s.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", s.LogFormat))
	}
	if s.MaxAudioBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_audio_bytes must not be negative, got %d", s.MaxAudioBytes))
	}
	if s.MaxConcurrentTurns < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent_turns must not be negative, got %d", s.MaxConcurrentTurns))
	}
	if s.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("server.max_connections must not be negative, got %d", s.MaxConnections))
	}
	if s.WSHeartbeat < 0 {
		errs = append(errs, fmt.Errorf("server.ws_heartbeat must not be negative, got %s", s.WSHeartbeat))
	}

	// Providers
	errs = append(errs, validateEntry("stt", "providers.stt", cfg.Providers.STT)...)
	errs = append(errs, validateEntry("llm", "providers.llm", cfg.Providers.LLM)...)
	errs = append(errs, validateEntry("tts", "providers.tts", cfg.Providers.TTS)...)
	if !cfg.Providers.STT.Configured() {
		slog.Warn("no STT provider configured; only text input can be processed")
	}
	if !cfg.Providers.LLM.Configured() {
		slog.Warn("no LLM provider configured; every turn will use canned responses")
	}
	if !cfg.Providers.TTS.Configured() {
		slog.Warn("no TTS provider configured; every turn will be text-only")
	}

	// Pipeline
	p := cfg.Pipeline
	if p.DefaultVoice != "" && !tts.IsValidVoice(p.DefaultVoice) {
		errs = append(errs, fmt.Errorf("pipeline.default_voice %q is invalid; valid values: %s", p.DefaultVoice, strings.Join(tts.Voices, ", ")))
	}
	for name, d := range map[string]time.Duration{"stt": p.StageTimeouts.STT, "llm": p.StageTimeouts.LLM, "tts": p.StageTimeouts.TTS} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("pipeline.stage_timeouts.%s must not be negative, got %s", name, d))
		}
	}
	for i, term := range p.Vocabulary {
		if strings.TrimSpace(term) == "" {
			errs = append(errs, fmt.Errorf("pipeline.vocabulary[%d] is empty", i))
		}
	}

	// Health
	if cfg.Health.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("health.max_failures must not be negative, got %d", cfg.Health.MaxFailures))
	}
	if cfg.Health.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("health.reset_timeout must not be negative, got %s", cfg.Health.ResetTimeout))
	}
	if cfg.Health.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("health.half_open_max must not be negative, got %d", cfg.Health.HalfOpenMax))
	}

	// Cache
	c := cfg.Cache
	if c.Backend != "" && !c.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, redis", c.Backend))
	}
	if c.Backend == CacheRedis && c.RedisURL == "" {
		errs = append(errs, errors.New("cache.redis_url is required when cache.backend is redis"))
	}
	if c.STTTTL < 0 || c.TTSTTL < 0 {
		errs = append(errs, errors.New("cache ttl values must not be negative"))
	}

	// Rate limit
	rl := cfg.RateLimit
	if rl.Requests < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests must not be negative, got %d", rl.Requests))
	}
	if rl.Window < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must not be negative, got %s", rl.Window))
	}
	if rl.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max_clients must not be negative, got %d", rl.MaxClients))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio must be within [0, 1], got %g", r))
	}

	return errors.Join(errs...)
}

// validateEntry checks one provider entry and its fallbacks.
func validateEntry(kind, prefix string, e ProviderEntry) []error {
	var errs []error
	validateProviderName(kind, e.Name)
	if e.Name == "" && len(e.Fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("%s.name is required when fallbacks are configured", prefix))
	}
	for i, fb := range e.Fallbacks {
		fbPrefix := fmt.Sprintf("%s.fallbacks[%d]", prefix, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", fbPrefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must not be nested", fbPrefix))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
