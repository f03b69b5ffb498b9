//go:build whispercpp

package main

import (
	"log/slog"

	"github.com/MrWong99/ellie/internal/config"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/stt/whisper"
)

// registerNativeProviders adds the in-process whisper.cpp backend. Only
// built with -tags whispercpp.
func registerNativeProviders(reg *config.Registry) {
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		path := entry.Model
		if path == "" {
			path = optString(entry.Options, "model_path")
		}
		opts := []whisper.NativeOption{whisper.WithNativeLogger(slog.Default().With("provider", "whisper-native"))}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "concurrency"); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(path, opts...)
	})
}
