//go:build !whispercpp

package main

import "github.com/MrWong99/ellie/internal/config"

// registerNativeProviders is a no-op without the whispercpp build tag;
// whisper-native entries are skipped at startup.
func registerNativeProviders(*config.Registry) {}
