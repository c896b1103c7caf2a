// Package registry holds governance-controlled Market and Asset
// parameters. It is the single place other packages look up market and
// asset configuration, mutated only through its validated setters (the
// "small validated setters" pattern the engine uses throughout, e.g.
// bounds-checking market.max_deviation_bps the way a constructor
// bounds-checks its arguments).
package registry

import (
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/model"
)

// Registry is the governance parameter store for markets and assets.
type Registry struct {
	mu      sync.RWMutex
	markets map[model.MarketID]model.Market
	assets  map[model.AssetID]model.Asset
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		markets: make(map[model.MarketID]model.Market),
		assets:  make(map[model.AssetID]model.Asset),
	}
}

// SetMarket validates and installs a market's governance parameters.
func (r *Registry) SetMarket(m model.Market) error {
	if m.MaxLeverage < 1 {
		return model.ErrInvalidParameter
	}
	if m.MaxDeviationBps > 1000 {
		return model.ErrInvalidParameter
	}
	if m.FeeBps > 1000 {
		return model.ErrInvalidParameter
	}
	if m.LiqThresholdBps > 9800 {
		return model.ErrInvalidParameter
	}
	if m.MinOrderAgeS > 30 {
		return model.ErrInvalidParameter
	}
	if m.OracleMaxAgeS < 3 {
		return model.ErrInvalidParameter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets[m.ID] = m
	return nil
}

// GetMarket returns the market's current parameters.
func (r *Registry) GetMarket(id model.MarketID) (model.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	return m, ok
}

// ListMarkets returns a snapshot of all configured markets.
func (r *Registry) ListMarkets() []model.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}

// SetAsset validates and installs an asset's governance parameters.
func (r *Registry) SetAsset(a model.Asset) error {
	if a.MinSize == nil {
		a.MinSize = new(uint256.Int)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[a.ID] = a
	return nil
}

// GetAsset returns the asset's current parameters.
func (r *Registry) GetAsset(id model.AssetID) (model.Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[id]
	return a, ok
}

// ListAssets returns a snapshot of all configured assets.
func (r *Registry) ListAssets() []model.Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	return out
}
