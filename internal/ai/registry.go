package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Well-known model selectors. Clients pick one of these; the registry maps
// it to a concrete provider.
const (
	SelectorChat      = "chat-model"
	SelectorReasoning = "chat-model-reasoning"
	SelectorTitle     = "title-model"
)

type ProviderFactory func(ctx context.Context) (Provider, error)

// Registry maps model selector strings to provider factories. It is built
// once at process start and passed into the orchestrator; the test variant
// is just a registry populated with fakes.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(selector string, f ProviderFactory) {
	selector = strings.ToLower(strings.TrimSpace(selector))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[selector] = f
}

// Get resolves a selector. An unknown selector is a configuration error
// surfaced to the caller, never retried.
func (r *Registry) Get(ctx context.Context, selector string) (Provider, error) {
	selector = strings.ToLower(strings.TrimSpace(selector))
	r.mu.RLock()
	f, ok := r.factories[selector]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown chat model: %s", selector)
	}
	return f(ctx)
}
