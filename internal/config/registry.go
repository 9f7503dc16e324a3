package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/deckvoice/internal/assets"
	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LiveFactory builds a live provider from its config section and the resolved
// credential.
type LiveFactory func(cfg LiveConfig, apiKey string) (live.Provider, error)

// AssetsFactory builds an image generator from its config section and the
// resolved credential (empty for generators that need none).
type AssetsFactory func(cfg AssetsConfig, apiKey string) (assets.Generator, error)

// AudioFactory builds the device backend from the audio section.
type AudioFactory func(cfg AudioConfig) (audio.Devices, error)

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]LiveFactory
	assets map[string]AssetsFactory
	audio  map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]LiveFactory),
		assets: make(map[string]AssetsFactory),
		audio:  make(map[string]AudioFactory),
	}
}

// RegisterLive registers a live provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterAssets registers an image generator factory under name.
func (r *Registry) RegisterAssets(name string, factory AssetsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[name] = factory
}

// RegisterAudio registers a device backend factory under name.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateLive instantiates the live provider named by cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory is registered.
func (r *Registry) CreateLive(cfg LiveConfig, apiKey string) (live.Provider, error) {
	r.mu.RLock()
	f, ok := r.live[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live provider %q", ErrProviderNotRegistered, cfg.Provider)
	}
	return f(cfg, apiKey)
}

// CreateAssets instantiates the image generator named by cfg.Provider.
func (r *Registry) CreateAssets(cfg AssetsConfig, apiKey string) (assets.Generator, error) {
	r.mu.RLock()
	f, ok := r.assets[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: assets provider %q", ErrProviderNotRegistered, cfg.Provider)
	}
	return f(cfg, apiKey)
}

// CreateAudio instantiates the device backend registered under name.
func (r *Registry) CreateAudio(name string, cfg AudioConfig) (audio.Devices, error) {
	r.mu.RLock()
	f, ok := r.audio[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio backend %q", ErrProviderNotRegistered, name)
	}
	return f(cfg)
}
