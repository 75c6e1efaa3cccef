package router

import (
	"sync"

	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/router/adapters"
)

// Registry holds the configured vendor adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapters.VendorAdapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]adapters.VendorAdapter),
	}
}

func (r *Registry) Register(name string, adapter adapters.VendorAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
}

// Adapter looks up a vendor by name. Satisfies byok.AdapterLookup.
func (r *Registry) Adapter(name string) (adapters.VendorAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// ReplaceAll swaps the full adapter set, used when the vendors config is
// reloaded while requests are in flight.
func (r *Registry) ReplaceAll(set map[string]adapters.VendorAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = set
}

// Rebuild replaces the adapter set with one built from the given config.
func (r *Registry) Rebuild(vendCfg *config.VendorsConfig) {
	r.ReplaceAll(buildAdapters(vendCfg))
}

// BuildFromConfig builds vendor adapters from the vendors config.
func BuildFromConfig(vendCfg *config.VendorsConfig) *Registry {
	registry := NewRegistry()
	registry.ReplaceAll(buildAdapters(vendCfg))
	return registry
}

func buildAdapters(vendCfg *config.VendorsConfig) map[string]adapters.VendorAdapter {
	set := make(map[string]adapters.VendorAdapter, len(vendCfg.Vendors))
	for name, cfg := range vendCfg.Vendors {
		switch cfg.Type {
		case "anthropic":
			set[name] = adapters.NewAnthropicAdapter(cfg)
		case "openai":
			set[name] = adapters.NewOpenAIAdapter(cfg)
		default:
			// OpenAI-compatible wire format is the de facto fallback
			set[name] = adapters.NewOpenAIAdapter(cfg)
		}
	}
	return set
}
