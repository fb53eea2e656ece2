package chain

import (
	"context"
	"sync"
	"time"
)

// GasReference provides the reference gas price with caching.
// Detectors consult it on every transaction, so RPC round trips are
// amortized behind a TTL cache with a fallback for outages.
type GasReference struct {
	mu         sync.RWMutex
	provider   Provider
	price      float64
	lastUpdate time.Time
	ttl        time.Duration
	fallback   float64
}

// NewGasReference creates a gas reference with a fallback price (gwei) and cache TTL.
func NewGasReference(provider Provider, fallbackGwei float64, cacheTTL time.Duration) *GasReference {
	return &GasReference{
		provider: provider,
		price:    fallbackGwei,
		fallback: fallbackGwei,
		ttl:      cacheTTL,
	}
}

// PriceGwei returns the current reference gas price in gwei.
// Fetches from the provider if the cache is stale, falls back to the last
// known price.
func (g *GasReference) PriceGwei(ctx context.Context) float64 {
	g.mu.RLock()
	if time.Since(g.lastUpdate) < g.ttl && g.price > 0 {
		price := g.price
		g.mu.RUnlock()
		return price
	}
	g.mu.RUnlock()

	// Cache is stale, fetch new price
	newPrice, err := g.provider.GasPriceGwei(ctx)
	if err != nil || newPrice <= 0 {
		// Mark cache as stale so next call retries immediately
		// instead of serving the stale price until original TTL expires
		g.mu.Lock()
		g.lastUpdate = time.Time{} // Force refresh on next call
		price := g.price
		g.mu.Unlock()
		if price > 0 {
			return price
		}
		return g.fallback
	}

	g.mu.Lock()
	g.price = newPrice
	g.lastUpdate = time.Now()
	g.mu.Unlock()

	return newPrice
}
