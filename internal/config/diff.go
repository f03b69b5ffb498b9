package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider, cache,
// rate limit and server changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	VocabularyChanged   bool
	DefaultsChanged     bool // default voice or default language

	// RestartRequired is set when a field outside the hot-reloadable set
	// changed. The new values are not applied until the process restarts.
	RestartRequired bool
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.VocabularyChanged || d.DefaultsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Pipeline.SystemPrompt != new.Pipeline.SystemPrompt {
		d.SystemPromptChanged = true
	}
	if !slices.Equal(old.Pipeline.Vocabulary, new.Pipeline.Vocabulary) {
		d.VocabularyChanged = true
	}
	if old.Pipeline.DefaultVoice != new.Pipeline.DefaultVoice ||
		old.Pipeline.DefaultLanguage != new.Pipeline.DefaultLanguage {
		d.DefaultsChanged = true
	}

	// Everything else is fixed at startup.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer != newServer ||
		old.Pipeline.StageTimeouts != new.Pipeline.StageTimeouts ||
		old.Health != new.Health ||
		old.Cache != new.Cache ||
		old.RateLimit != new.RateLimit ||
		old.Telemetry != new.Telemetry ||
		!providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = true
	}

	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.STT, b.STT) && entryEqual(a.LLM, b.LLM) && entryEqual(a.TTS, b.TTS)
}

// entryEqual compares the identifying fields of two entries. Options are
// compared by key set only.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for k := range a.Options {
		if _, ok := b.Options[k]; !ok {
			return false
		}
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}
