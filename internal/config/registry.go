package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/ellie/pkg/provider/llm"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when no factory is registered under
// an entry's name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration block.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is one kind's name-to-constructor table.
type factories[P any] struct {
	kind string
	m    map[string]Factory[P]
}

func (f *factories[P]) lookup(name string) (Factory[P], error) {
	mk, ok := f.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return mk, nil
}

// create runs the factory for e outside mu.
func create[P any](mu *sync.RWMutex, f *factories[P], e ProviderEntry) (P, error) {
	mu.RLock()
	mk, err := f.lookup(e.Name)
	mu.RUnlock()
	if err != nil {
		var zero P
		return zero, err
	}
	return mk(e)
}

// Registry maps provider names to constructors for every pipeline stage.
// Registering a name twice replaces the earlier factory. Safe for concurrent
// use.
type Registry struct {
	mu  sync.RWMutex
	stt factories[stt.Provider]
	llm factories[llm.Provider]
	tts factories[tts.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		stt: factories[stt.Provider]{kind: "stt", m: map[string]Factory[stt.Provider]{}},
		llm: factories[llm.Provider]{kind: "llm", m: map[string]Factory[llm.Provider]{}},
		tts: factories[tts.Provider]{kind: "tts", m: map[string]Factory[tts.Provider]{}},
	}
}

func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = f
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = f
}

func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = f
}

// CreateSTT builds the speech-to-text provider named by e.Name.
func (r *Registry) CreateSTT(e ProviderEntry) (stt.Provider, error) {
	return create(&r.mu, &r.stt, e)
}

func (r *Registry) CreateLLM(e ProviderEntry) (llm.Provider, error) {
	return create(&r.mu, &r.llm, e)
}

func (r *Registry) CreateTTS(e ProviderEntry) (tts.Provider, error) {
	return create(&r.mu, &r.tts, e)
}

// Names lists the registered names of kind ("stt", "llm" or "tts"), sorted.
// Unknown kinds yield nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.stt.kind:
		return slices.Sorted(maps.Keys(r.stt.m))
	case r.llm.kind:
		return slices.Sorted(maps.Keys(r.llm.m))
	case r.tts.kind:
		return slices.Sorted(maps.Keys(r.tts.m))
	}
	return nil
}
