package specs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"orderflow/internal/venue"
	"orderflow/logger"
	"orderflow/models"
)

// Registry caches per-venue symbol lot constraints. Lookups hit the
// venue at most once per key; static overrides from config win over
// anything a venue reports.
type Registry struct {
	mu        sync.Mutex
	cache     map[string]models.SymbolSpec
	overrides map[string]models.SymbolSpec
	defaults  map[string]models.SymbolSpec
	venues    map[string]venue.Capability
}

// NewRegistry builds a registry over the given venue adapters.
// Overrides are keyed "venue:symbol", defaults by venue name.
func NewRegistry(venues map[string]venue.Capability, defaults, overrides map[string]models.SymbolSpec) *Registry {
	r := &Registry{
		cache:     make(map[string]models.SymbolSpec),
		overrides: make(map[string]models.SymbolSpec, len(overrides)),
		defaults:  make(map[string]models.SymbolSpec, len(defaults)),
		venues:    venues,
	}
	for k, s := range overrides {
		r.overrides[normalizeKey(k)] = s.Normalize()
	}
	for v, s := range defaults {
		r.defaults[strings.ToLower(v)] = s.Normalize()
	}
	return r
}

// Get resolves the spec for a symbol on a venue. Resolution order is
// static override, cached live lookup, fresh venue lookup, then the
// venue's configured default. A venue lookup failure with no default
// is surfaced so the caller can reject rather than size blind.
func (r *Registry) Get(ctx context.Context, venueName, symbol string) (models.SymbolSpec, error) {
	key := cacheKey(venueName, symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.overrides[key]; ok {
		return s, nil
	}
	if s, ok := r.cache[key]; ok {
		return s, nil
	}

	adapter, ok := r.venues[strings.ToLower(venueName)]
	if !ok {
		return models.SymbolSpec{}, fmt.Errorf("spec lookup: unknown venue %q", venueName)
	}

	spec, err := adapter.LotConstraints(ctx, symbol)
	if err != nil {
		if fallback, ok := r.defaults[strings.ToLower(venueName)]; ok {
			logger.GetLogger().WithComponent("specs").WithFields(logger.Fields{
				"venue":  venueName,
				"symbol": symbol,
			}).WithError(err).Warn("spec lookup failed, using venue default")
			return fallback, nil
		}
		return models.SymbolSpec{}, fmt.Errorf("spec lookup %s/%s: %w", venueName, symbol, err)
	}

	spec = spec.Normalize()
	r.cache[key] = spec
	return spec, nil
}

// Put injects a spec directly, bypassing venue lookups. Used by tests
// and by the paper venue at startup.
func (r *Registry) Put(venueName, symbol string, spec models.SymbolSpec) {
	r.mu.Lock()
	r.cache[cacheKey(venueName, symbol)] = spec.Normalize()
	r.mu.Unlock()
}

// Invalidate drops a cached entry so the next Get refetches it.
func (r *Registry) Invalidate(venueName, symbol string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(venueName, symbol))
	r.mu.Unlock()
}

func cacheKey(venueName, symbol string) string {
	return strings.ToLower(venueName) + ":" + strings.ToUpper(symbol)
}

func normalizeKey(key string) string {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return strings.ToLower(key)
	}
	return strings.ToLower(parts[0]) + ":" + strings.ToUpper(parts[1])
}
