// Package gateway routes analysis requests to interchangeable LLM
// providers with retry, fallback, rate limiting, and circuit breaking.
package gateway

import (
	"context"
	"sync"

	"github.com/loopsight/insight/internal/model"
)

// GenerateRequest is a single analysis call against one provider.
type GenerateRequest struct {
	Type      model.AnalysisType
	Responses []model.Response
	Options   model.Options
}

// GenerateResult is the parsed provider output plus accounting data.
type GenerateResult struct {
	Payload    model.Payload
	TokensUsed int
	CostUSD    float64
	Provider   string
	Model      string
}

// Provider defines the interface for LLM analysis backends.
type Provider interface {
	// Name returns the provider identifier (matches the name in the
	// pricing table and job options).
	Name() string
	// Generate runs one analysis call and returns the parsed payload.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// Registry manages available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
