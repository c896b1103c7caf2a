// Package funding implements the FundingTracker (C4): a cumulative signed
// funding index per (asset, market), advanced on keeper-driven updates and
// sampled by position P&L at close.
package funding

import (
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/units"
)

// SecondsPerYear anchors the annualized funding_factor_bps to a per-second
// rate; 365 non-leap days.
const SecondsPerYear = 31_536_000

type trackerKey struct {
	asset  model.AssetID
	market model.MarketID
}

type trackerState struct {
	index       *big.Int // signed, UNIT*bps units
	lastUpdated int64
}

// OpenInterestReader is the narrow view into PositionManager's OI
// counters that FundingTracker needs to compute accrual, avoiding a
// direct dependency on the position package (which itself depends on
// FundingTracker — see internal/engine for the two-phase link).
type OpenInterestReader interface {
	OpenInterest(asset model.AssetID, market model.MarketID) model.OpenInterestPair
}

// Tracker maintains the cumulative funding index for every (asset,
// market) pair it has seen.
type Tracker struct {
	mu       sync.Mutex
	state    map[trackerKey]*trackerState
	oi       OpenInterestReader
	interval int64
}

// New constructs a Tracker reading open interest from oi. The funding
// interval is not stored here: each Update call receives it from its
// caller (position.Manager passes 3600 when a market's FundingIntervalS
// is zero or negative).
func New(oi OpenInterestReader) *Tracker {
	return &Tracker{state: make(map[trackerKey]*trackerState), oi: oi}
}

func (t *Tracker) get(asset model.AssetID, market model.MarketID) *trackerState {
	k := trackerKey{asset, market}
	s, ok := t.state[k]
	if !ok {
		s = &trackerState{index: new(big.Int)}
		t.state[k] = s
	}
	return s
}

// Update advances the cumulative index for (asset, market) as of now,
// using intervalSeconds as the market's funding_interval. On the very
// first call for a pair, last_updated is simply set to now. If less than
// one full interval has elapsed, the call is a no-op. Otherwise it
// accrues accrued(asset, market, n) for n = floor((now-last)/interval)
// elapsed intervals and advances last_updated to now.
func (t *Tracker) Update(asset model.AssetID, market model.MarketID, now int64, intervalSeconds int64, yearlyFactorBps uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateLocked(asset, market, now, intervalSeconds, yearlyFactorBps)
}

func (t *Tracker) updateLocked(asset model.AssetID, market model.MarketID, now int64, intervalSeconds int64, yearlyFactorBps uint64) {
	s := t.get(asset, market)
	if s.lastUpdated == 0 {
		s.lastUpdated = now
		return
	}
	elapsed := now - s.lastUpdated
	if elapsed < intervalSeconds {
		return
	}
	n := elapsed / intervalSeconds

	oi := t.oi.OpenInterest(asset, market)
	oiLong, oiShort := oi.Long, oi.Short
	sum := units.Add(oiLong, oiShort)
	if !sum.IsZero() {
		delta := accrued(oiLong, oiShort, n, intervalSeconds, yearlyFactorBps)
		s.index.Add(s.index, delta)
	}
	s.lastUpdated = now
}

// accrued computes the signed funding increment for n elapsed intervals
// of intervalSeconds each, given the current OI split:
//
//	accrued = UNIT * yearlyFactorBps * |long-short| * n * intervalSeconds /
//	          (SecondsPerYear * (long+short))
//
// i.e. den = (SecondsPerYear/intervalSeconds)*(long+short), rearranged to
// multiply the numerator by intervalSeconds instead of dividing
// SecondsPerYear, avoiding truncation in an integer divisor.
func accrued(oiLong, oiShort *uint256.Int, n, intervalSeconds int64, yearlyFactorBps uint64) *big.Int {
	skew := units.AbsDiff(oiLong, oiShort)
	sum := units.Add(oiLong, oiShort)

	num := new(big.Int).Mul(units.UnitBig, big.NewInt(int64(yearlyFactorBps)))
	num.Mul(num, skew.ToBig())
	num.Mul(num, big.NewInt(n))
	num.Mul(num, big.NewInt(intervalSeconds))

	den := new(big.Int).Mul(big.NewInt(SecondsPerYear), sum.ToBig())

	delta := units.MulDivSigned(num, big.NewInt(1), den)
	if oiShort.Cmp(oiLong) > 0 {
		delta.Neg(delta)
	}
	return delta
}

// Current returns the latest committed index for (asset, market), or
// zero if never updated.
func (t *Tracker) Current(asset model.AssetID, market model.MarketID) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.get(asset, market).index)
}

// Projected returns the index including not-yet-committed accrual as of
// now, without mutating stored state.
func (t *Tracker) Projected(asset model.AssetID, market model.MarketID, now int64, intervalSeconds int64, yearlyFactorBps uint64) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(asset, market)
	if s.lastUpdated == 0 {
		return new(big.Int).Set(s.index)
	}
	elapsed := now - s.lastUpdated
	n := elapsed / intervalSeconds
	if n <= 0 {
		return new(big.Int).Set(s.index)
	}
	oi := t.oi.OpenInterest(asset, market)
	sum := units.Add(oi.Long, oi.Short)
	if sum.IsZero() {
		return new(big.Int).Set(s.index)
	}
	delta := accrued(oi.Long, oi.Short, n, intervalSeconds, yearlyFactorBps)
	return new(big.Int).Add(s.index, delta)
}

// Accrued exposes the signed delta for n intervals of intervalSeconds
// each at the tracker's current OI snapshot, independent of any stored
// state — used by callers that already hold an OI snapshot and want the
// raw increment.
func (t *Tracker) Accrued(asset model.AssetID, market model.MarketID, n, intervalSeconds int64, yearlyFactorBps uint64) *big.Int {
	oi := t.oi.OpenInterest(asset, market)
	return accrued(oi.Long, oi.Short, n, intervalSeconds, yearlyFactorBps)
}
