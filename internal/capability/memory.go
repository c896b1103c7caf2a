package capability

import (
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/units"
)

type ledgerKey struct {
	user  model.Address
	asset model.AssetID
}

// MemoryLedger is a reference Ledger backed by a plain map, sufficient
// for tests and local development. It never goes negative: TransferIn
// on an insufficient balance returns model.ErrInsufficientMargin.
type MemoryLedger struct {
	mu      sync.Mutex
	balance map[ledgerKey]*uint256.Int
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balance: make(map[ledgerKey]*uint256.Int)}
}

// Credit adds funds to a user's free balance, for test setup and deposits
// originating outside the engine (e.g. a bridge or exchange deposit).
func (l *MemoryLedger) Credit(user model.Address, asset model.AssetID, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{user, asset}
	cur, ok := l.balance[k]
	if !ok {
		cur = units.Zero()
	}
	l.balance[k] = units.Add(cur, amount)
}

func (l *MemoryLedger) TransferIn(user model.Address, asset model.AssetID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{user, asset}
	cur, ok := l.balance[k]
	if !ok {
		cur = units.Zero()
	}
	if cur.Cmp(amount) < 0 {
		return model.ErrInsufficientMargin
	}
	l.balance[k] = units.Sub(cur, amount)
	return nil
}

func (l *MemoryLedger) TransferOut(user model.Address, asset model.AssetID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{user, asset}
	cur, ok := l.balance[k]
	if !ok {
		cur = units.Zero()
	}
	l.balance[k] = units.Add(cur, amount)
	return nil
}

func (l *MemoryLedger) FreeBalance(user model.Address, asset model.AssetID) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{user, asset}
	cur, ok := l.balance[k]
	if !ok {
		return units.Zero()
	}
	return units.Clone(cur)
}

// MemoryPriceFeed is a settable reference PriceFeed for tests.
type MemoryPriceFeed struct {
	mu     sync.RWMutex
	points map[model.MarketID]PricePoint
}

// NewMemoryPriceFeed constructs an empty MemoryPriceFeed.
func NewMemoryPriceFeed() *MemoryPriceFeed {
	return &MemoryPriceFeed{points: make(map[model.MarketID]PricePoint)}
}

// Set installs the latest price observation for a market.
func (f *MemoryPriceFeed) Set(market model.MarketID, p PricePoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[market] = p
}

func (f *MemoryPriceFeed) GetUnsafe(market model.MarketID) (PricePoint, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.points[market]
	return p, ok
}

// MemoryReferencePriceFeed is a settable reference ReferencePriceFeed for
// tests.
type MemoryReferencePriceFeed struct {
	mu     sync.RWMutex
	prices map[model.AssetID]*uint256.Int
}

// NewMemoryReferencePriceFeed constructs an empty MemoryReferencePriceFeed.
func NewMemoryReferencePriceFeed() *MemoryReferencePriceFeed {
	return &MemoryReferencePriceFeed{prices: make(map[model.AssetID]*uint256.Int)}
}

// Set installs the reference price for an asset.
func (f *MemoryReferencePriceFeed) Set(asset model.AssetID, price *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = price
}

func (f *MemoryReferencePriceFeed) GetReference(asset model.AssetID) (*uint256.Int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[asset]
	if !ok {
		return nil, false
	}
	return units.Clone(p), true
}

// MemoryReferralDirectory is a reference ReferralDirectory backed by a
// plain map.
type MemoryReferralDirectory struct {
	mu   sync.RWMutex
	info map[model.Address]ReferralInfo
}

// NewMemoryReferralDirectory constructs an empty MemoryReferralDirectory.
func NewMemoryReferralDirectory() *MemoryReferralDirectory {
	return &MemoryReferralDirectory{info: make(map[model.Address]ReferralInfo)}
}

func (d *MemoryReferralDirectory) Info(user model.Address) (ReferralInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.info[user]
	return i, ok
}

func (d *MemoryReferralDirectory) Set(user model.Address, _ model.ReferralCode, info ReferralInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info[user] = info
	return nil
}
