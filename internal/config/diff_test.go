package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/ellie/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":8080"},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
		},
		Pipeline: config.PipelineConfig{
			SystemPrompt: "be brief",
			DefaultVoice: "alloy",
			Vocabulary:   []string{"Okafor"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("Changed() = true for identical configs: %+v", d)
	}
	if d.RestartRequired {
		t.Error("RestartRequired = true for identical configs")
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(config.ConfigDiff) bool
		restart bool
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check:  func(d config.ConfigDiff) bool { return d.LogLevelChanged && d.NewLogLevel == config.LogDebug },
		},
		{
			name:   "system prompt",
			mutate: func(c *config.Config) { c.Pipeline.SystemPrompt = "be verbose" },
			check:  func(d config.ConfigDiff) bool { return d.SystemPromptChanged },
		},
		{
			name:   "vocabulary",
			mutate: func(c *config.Config) { c.Pipeline.Vocabulary = append(c.Pipeline.Vocabulary, "Brightsmile") },
			check:  func(d config.ConfigDiff) bool { return d.VocabularyChanged },
		},
		{
			name:   "default voice",
			mutate: func(c *config.Config) { c.Pipeline.DefaultVoice = "nova" },
			check:  func(d config.ConfigDiff) bool { return d.DefaultsChanged },
		},
		{
			name:    "listen addr",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = ":9090" },
			check:   func(d config.ConfigDiff) bool { return !d.Changed() },
			restart: true,
		},
		{
			name:    "rate limit",
			mutate:  func(c *config.Config) { c.RateLimit.Requests = 10 },
			check:   func(d config.ConfigDiff) bool { return !d.Changed() },
			restart: true,
		},
		{
			name:    "llm model",
			mutate:  func(c *config.Config) { c.Providers.LLM.Model = "gpt-4o" },
			check:   func(d config.ConfigDiff) bool { return !d.Changed() },
			restart: true,
		},
		{
			name: "llm fallback added",
			mutate: func(c *config.Config) {
				c.Providers.LLM.Fallbacks = []config.ProviderEntry{{Name: "ollama"}}
			},
			check:   func(d config.ConfigDiff) bool { return !d.Changed() },
			restart: true,
		},
		{
			name:    "stage timeout",
			mutate:  func(c *config.Config) { c.Pipeline.StageTimeouts.TTS = time.Second },
			check:   func(d config.ConfigDiff) bool { return !d.Changed() },
			restart: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			newCfg := baseConfig()
			tt.mutate(newCfg)
			d := config.Diff(baseConfig(), newCfg)
			if !tt.check(d) {
				t.Errorf("unexpected diff: %+v", d)
			}
			if d.RestartRequired != tt.restart {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.restart)
			}
		})
	}
}
