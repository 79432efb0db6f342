package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/telephony-asr/bridge/pkg/provider/asr"
	"github.com/telephony-asr/bridge/pkg/provider/asr/deepgram"
	"github.com/telephony-asr/bridge/pkg/provider/asr/gemini"
	"github.com/telephony-asr/bridge/pkg/provider/asr/openai"
	"github.com/telephony-asr/bridge/pkg/provider/asr/whisper"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps ASR provider names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	factories map[string]func(ASRConfig) (asr.Provider, error)
}

// NewRegistry returns a [Registry] pre-populated with the built-in ASR
// providers (deepgram, whisper, gemini, openai). Additional providers can
// still be registered with [Registry.Register], overwriting a built-in
// entry of the same name if desired.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]func(ASRConfig) (asr.Provider, error)),
	}
	r.Register("deepgram", func(cfg ASRConfig) (asr.Provider, error) {
		return deepgram.New(cfg.APIKey), nil
	})
	r.Register("gemini", func(cfg ASRConfig) (asr.Provider, error) {
		return gemini.New(cfg.APIKey), nil
	})
	r.Register("openai", func(cfg ASRConfig) (asr.Provider, error) {
		return openai.New(cfg.APIKey), nil
	})
	r.Register("whisper", func(cfg ASRConfig) (asr.Provider, error) {
		return whisper.New(cfg.ModelPath)
	})
	return r
}

// Register installs a provider factory under name. Subsequent calls with
// the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory func(ASRConfig) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the ASR provider registered under cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(cfg ASRConfig) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
