// Package config provides the configuration schema, loader, and provider registry
// for the ellie voice-turn service.
package config

import "time"

// LogLevel controls log verbosity for the ellie server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler used by the server.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// CacheBackend selects where STT and TTS results are cached.
type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheRedis  CacheBackend = "redis"
)

// IsValid reports whether b is a recognised cache backend.
func (b CacheBackend) IsValid() bool {
	return b == CacheMemory || b == CacheRedis
}

// EnvironmentProduction hides error details from API clients.
const EnvironmentProduction = "production"

// Config is the root configuration structure for ellie.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Health    HealthConfig    `yaml:"health"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network, admission and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// Environment names the deployment. "production" suppresses debug
	// details in error responses.
	Environment string `yaml:"environment"`

	// MaxAudioBytes rejects uploads larger than this many bytes.
	MaxAudioBytes int64 `yaml:"max_audio_bytes"`

	// MaxConcurrentTurns bounds turns processed at the same time across
	// HTTP and WebSocket callers.
	MaxConcurrentTurns int `yaml:"max_concurrent_turns"`

	// MaxConnections bounds simultaneously open WebSocket connections.
	MaxConnections int `yaml:"max_connections"`

	// WSHeartbeat is the interval between server heartbeat events.
	WSHeartbeat time.Duration `yaml:"ws_heartbeat"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IsProduction reports whether error details must be hidden from clients.
func (s ServerConfig) IsProduction() bool {
	return s.Environment == EnvironmentProduction
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry]; its fallbacks are tried in order when the primary fails.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order after this provider fails. Fallback
	// entries must not declare fallbacks of their own.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Configured reports whether the entry names a provider.
func (e ProviderEntry) Configured() bool { return e.Name != "" }

// PipelineConfig tunes the turn orchestrator.
type PipelineConfig struct {
	// SystemPrompt is prepended to every completion request.
	SystemPrompt string `yaml:"system_prompt"`

	// DefaultVoice is used when a request does not select one.
	DefaultVoice string `yaml:"default_voice"`

	// DefaultLanguage is passed to STT when a request does not set one.
	DefaultLanguage string `yaml:"default_language"`

	// StageTimeouts bounds each stage independently.
	StageTimeouts StageTimeouts `yaml:"stage_timeouts"`

	// Vocabulary lists names (staff, business, products) that transcripts
	// are corrected towards.
	Vocabulary []string `yaml:"vocabulary"`
}

// StageTimeouts holds the per-stage deadlines.
type StageTimeouts struct {
	STT time.Duration `yaml:"stt"`
	LLM time.Duration `yaml:"llm"`
	TTS time.Duration `yaml:"tts"`
}

// HealthConfig configures the per-service circuit breakers behind the
// health tracker.
type HealthConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CacheConfig configures the STT and TTS result caches.
type CacheConfig struct {
	Backend    CacheBackend  `yaml:"backend"`
	RedisURL   string        `yaml:"redis_url"`
	STTTTL     time.Duration `yaml:"stt_ttl"`
	TTSTTL     time.Duration `yaml:"tts_ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// RateLimitConfig bounds how many voice requests one client may make per
// window. Limits are kept per process.
type RateLimitConfig struct {
	// Disabled turns rate limiting off.
	Disabled bool `yaml:"disabled"`

	// Requests per Window per client. Default: 100.
	Requests int `yaml:"requests"`

	// Window is the period Requests applies to. Default: 1m.
	Window time.Duration `yaml:"window"`

	// MaxClients bounds the number of tracked clients. Default: 10000.
	MaxClients int `yaml:"max_clients"`

	// TrustForwardedFor keys clients by X-Forwarded-For. Enable it only
	// behind a proxy that sets the header.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

// TelemetryConfig names the service in exported metrics and traces.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// TraceSampleRatio is the fraction of new traces that are sampled, in
	// (0, 1]. Requests carrying a sampled parent are always traced.
	// Default: 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
