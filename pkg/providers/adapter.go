// Package providers owns the translation between provider wire formats
// and the gateway's normalized request/response types, plus the
// embedding hook the semantic cache keys on.
package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// Adapter translates one provider's wire format.
type Adapter interface {
	// Provider names the upstream this adapter speaks for.
	Provider() string
	// ParseRequest turns an intercepted wire request into the
	// normalized form.
	ParseRequest(raw []byte) (*contracts.Request, error)
	// SerializeRequest renders a normalized request back to the wire.
	SerializeRequest(req *contracts.Request) ([]byte, error)
	// ParseResponse turns an upstream wire response into the
	// normalized form.
	ParseResponse(raw []byte, req *contracts.Request) (*contracts.Response, error)
}

// Embedder produces the vector the semantic cache keys on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Registry maps provider names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry with the OpenAI-compatible adapter
// installed.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(NewOpenAIAdapter("openai"))
	return r
}

// Register installs or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

// Get returns the adapter for a provider.
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("providers: no adapter for %q", provider)
	}
	return a, nil
}
