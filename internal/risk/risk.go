// Package risk implements the RiskValidator (C8): per-asset max-open-interest
// caps and a time-decayed pool-drawdown tracker. The struct-of-sentinel-error
// shape is adapted from correlation.PositionLimiter.
package risk

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/units"
)

var (
	// ErrMaxOpenInterestExceeded is returned when a proposed order size
	// would push a market's open interest beyond its configured cap.
	ErrMaxOpenInterestExceeded = errors.New("risk: max open interest exceeded")

	// ErrPoolDrawdownExceeded is returned when the decayed profit tracker
	// plus the proposed payout would exceed the asset's profit limit.
	ErrPoolDrawdownExceeded = errors.New("risk: pool drawdown limit exceeded")
)

type assetState struct {
	maxOI          map[model.MarketID]*uint256.Int
	profitTracker  *big.Int // signed, amortized hourly
	lastCheckedTs  int64
	profitLimitBps uint64
	hourlyDecayBps uint64
}

// Validator holds per-asset risk state. It is consulted synchronously by
// PositionManager (CheckPoolDrawdown on payouts, CheckMaxOI when a
// position is increased), under the engine's single-writer lock — no internal
// locking is needed for correctness, but a mutex is kept for defensive
// use from read-side diagnostics.
type Validator struct {
	mu    sync.Mutex
	state map[model.AssetID]*assetState
}

// New constructs an empty Validator.
func New() *Validator {
	return &Validator{state: make(map[model.AssetID]*assetState)}
}

func (v *Validator) get(asset model.AssetID) *assetState {
	s, ok := v.state[asset]
	if !ok {
		s = &assetState{maxOI: make(map[model.MarketID]*uint256.Int), profitTracker: new(big.Int)}
		v.state[asset] = s
	}
	return s
}

// SetMaxOI installs the open-interest cap for (asset, market). A zero cap
// means unbounded.
func (v *Validator) SetMaxOI(asset model.AssetID, market model.MarketID, cap *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.get(asset).maxOI[market] = units.Clone(cap)
}

// SetProfitLimitBps installs the asset's pool drawdown limit, expressed
// as a fraction of pool balance in bps.
func (v *Validator) SetProfitLimitBps(asset model.AssetID, bps uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.get(asset).profitLimitBps = bps
}

// SetHourlyDecayBps installs the asset's profit-tracker decay rate.
func (v *Validator) SetHourlyDecayBps(asset model.AssetID, bps uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.get(asset).hourlyDecayBps = bps
}

// CheckMaxOI returns ErrMaxOpenInterestExceeded if adding size to
// currentTotalOI on (asset, market) would exceed the configured cap. A
// cap of nil or zero is treated as unbounded.
func (v *Validator) CheckMaxOI(asset model.AssetID, market model.MarketID, size, currentTotalOI *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cap, ok := v.get(asset).maxOI[market]
	if !ok || cap.IsZero() {
		return nil
	}
	if units.Add(currentTotalOI, size).Cmp(cap) > 0 {
		return ErrMaxOpenInterestExceeded
	}
	return nil
}

// CheckPoolDrawdown applies linear hourly decay to the asset's profit
// tracker, adds pnl when it represents a payout to the trader (pnl > 0),
// and rejects if the resulting tracker exceeds profitLimitBps of
// poolBalance. On rejection the tracker and last-checked timestamp are
// restored to their pre-call values, preserving fail-and-roll-back
// semantics: a reverting command leaves no trace in the decay state.
func (v *Validator) CheckPoolDrawdown(asset model.AssetID, now int64, pnl *big.Int, poolBalance *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.get(asset)

	snapshotTracker := new(big.Int).Set(s.profitTracker)
	snapshotTs := s.lastCheckedTs

	if now > s.lastCheckedTs {
		hoursPassed := (now - s.lastCheckedTs) / 3600
		s.profitTracker = decayProfitTracker(s.profitTracker, hoursPassed, s.hourlyDecayBps)
	}
	s.lastCheckedTs = now

	if pnl.Sign() > 0 {
		s.profitTracker = new(big.Int).Add(s.profitTracker, pnl)
	}

	threshold := units.ToBig(units.MulDivBPS(poolBalance, s.profitLimitBps))
	if s.profitTracker.Cmp(threshold) > 0 {
		s.profitTracker = snapshotTracker
		s.lastCheckedTs = snapshotTs
		return ErrPoolDrawdownExceeded
	}
	return nil
}

// decayProfitTracker scales tracker linearly toward zero by hourlyDecayBps
// per elapsed hour. The multiplier (BPS - hourlyDecayBps*hoursPassed) is
// clamped at zero so large elapsed times settle the tracker to exactly
// zero instead of overshooting past it, and the scaling is sign-preserving
// so a negative tracker decays toward zero the same way a positive one
// does.
func decayProfitTracker(tracker *big.Int, hoursPassed int64, hourlyDecayBps uint64) *big.Int {
	if hoursPassed <= 0 || hourlyDecayBps == 0 || tracker.Sign() == 0 {
		return new(big.Int).Set(tracker)
	}
	decayed := new(big.Int).Mul(big.NewInt(int64(hourlyDecayBps)), big.NewInt(hoursPassed))
	multiplier := new(big.Int).Sub(units.BPSBig, decayed)
	if multiplier.Sign() < 0 {
		multiplier.SetInt64(0)
	}
	return units.MulDivSigned(tracker, multiplier, units.BPSBig)
}
