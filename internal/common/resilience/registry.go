package resilience

import (
	"sort"
	"sync"
)

// Registry holds one breaker per geolocation provider, keyed by provider
// name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*ProviderBreaker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*ProviderBreaker)}
}

// Breaker returns the breaker for cfg.Provider, creating it on first use.
// Later calls for the same provider return the existing breaker and ignore
// cfg.
func (r *Registry) Breaker(cfg BreakerConfig) *ProviderBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[cfg.Provider]; ok {
		return b
	}
	b := NewProviderBreaker(cfg)
	r.breakers[cfg.Provider] = b
	return b
}

// Lookup returns the provider's breaker if one was created.
func (r *Registry) Lookup(provider string) (*ProviderBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[provider]
	return b, ok
}

// Statuses returns every provider's breaker status ordered by provider.
func (r *Registry) Statuses() []BreakerStatus {
	r.mu.RLock()
	out := make([]BreakerStatus, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Status())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
