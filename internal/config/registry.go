package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/asiri/pkg/provider/llm"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds a chat provider from its config entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// S2SFactory builds a live voice provider from its config entry.
type S2SFactory func(ProviderEntry) (s2s.Provider, error)

// Registry maps provider names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]LLMFactory
	s2s map[string]S2SFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]LLMFactory),
		s2s: make(map[string]S2SFactory),
	}
}

// RegisterLLM registers an LLM factory under name, replacing any previous one.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterS2S registers an S2S factory under name, replacing any previous one.
func (r *Registry) RegisterS2S(name string, factory S2SFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// CreateLLM instantiates the LLM provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateS2S instantiates the S2S provider registered under entry.Name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// LLMNames returns the registered LLM names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for n := range r.llm {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// S2SNames returns the registered S2S names, sorted.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for n := range r.s2s {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
