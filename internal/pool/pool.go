// Package pool implements the LiquidityPool (C5): per-asset balance and
// buffer accounting, LP share minting/burning with deposit/withdrawal tax,
// and the two-epoch streaming buffer that drip-feeds trader losses into
// pool principal. This is the hardest accounting surface in the engine;
// every mutating method here is designed to be called only from within
// the engine's single-writer command path.
//
// Resolving who a LiquidityOrder's user field names (self vs. a whitelisted
// funding account submitting on a trader's behalf) is an OrderBook-adjacent
// policy decision left to internal/engine's command surface; Submit here
// takes an already-resolved user.
package pool

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/units"
)

// ErrAssetNotConfigured is returned by any operation on an asset that has
// never been registered via SetAssetParams.
var ErrAssetNotConfigured = errors.New("pool: asset not configured")

// OpenInterestReader is the narrow view into PositionManager's aggregate
// open interest that withdrawal liquidity checks need.
type OpenInterestReader interface {
	AssetOpenInterest(asset model.AssetID) *uint256.Int
}

// AssetParams are the governance-controlled parameters for one asset's
// pool.
type AssetParams struct {
	BufferPayoutPeriod       int64
	MaxLiquidityOrderTTL     int64
	UtilizationMultiplierBps uint64
}

// State is the per-asset ledger the pool maintains, mirroring the data
// model's "Pool state per asset" record.
type State struct {
	Balance                     *uint256.Int
	BufferBalance               *uint256.Int
	LPSupply                    *uint256.Int
	UserLP                      map[model.Address]*uint256.Int
	LastPaidTs                  int64
	CurrentEpochRemainingBuffer *uint256.Int
	GlobalUPL                   *big.Int
	FeeReserve                  *uint256.Int
	Params                      AssetParams
}

func newState() *State {
	return &State{
		Balance:                     units.Zero(),
		BufferBalance:               units.Zero(),
		LPSupply:                    units.Zero(),
		UserLP:                      make(map[model.Address]*uint256.Int),
		CurrentEpochRemainingBuffer: units.Zero(),
		GlobalUPL:                   new(big.Int),
		FeeReserve:                  units.Zero(),
	}
}

// Pool owns all per-asset pool state and the pending deposit/withdraw
// order book.
type Pool struct {
	mu          sync.Mutex
	states      map[model.AssetID]*State
	orders      map[uint32]*model.LiquidityOrder
	nextOrderID uint32
	ledger      capability.Ledger
	bus         *events.Bus
	oi          OpenInterestReader
}

// New constructs an empty Pool. oi may be nil and wired in later via
// LinkOpenInterest — PositionManager, the usual OpenInterestReader, needs
// a constructed Pool to hand to its own constructor first.
func New(ledger capability.Ledger, bus *events.Bus, oi OpenInterestReader) *Pool {
	return &Pool{
		states: make(map[model.AssetID]*State),
		orders: make(map[uint32]*model.LiquidityOrder),
		ledger: ledger,
		bus:    bus,
		oi:     oi,
	}
}

// LinkOpenInterest completes the LiquidityPool<->PositionManager cycle.
func (p *Pool) LinkOpenInterest(oi OpenInterestReader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oi = oi
}

// SetAssetParams registers or updates an asset's governance parameters.
func (p *Pool) SetAssetParams(asset model.AssetID, params AssetParams) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.getOrInit(asset)
	s.Params = params
}

func (p *Pool) getOrInit(asset model.AssetID) *State {
	s, ok := p.states[asset]
	if !ok {
		s = newState()
		p.states[asset] = s
	}
	return s
}

func (p *Pool) get(asset model.AssetID) (*State, error) {
	s, ok := p.states[asset]
	if !ok {
		return nil, ErrAssetNotConfigured
	}
	return s, nil
}

// GetState returns a defensive copy of the asset's pool state, for
// read-side queries. Returns ErrAssetNotConfigured if the asset has never
// been registered.
func (p *Pool) GetState(asset model.AssetID) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return State{}, err
	}
	userLP := make(map[model.Address]*uint256.Int, len(s.UserLP))
	for k, v := range s.UserLP {
		userLP[k] = units.Clone(v)
	}
	return State{
		Balance:                     units.Clone(s.Balance),
		BufferBalance:               units.Clone(s.BufferBalance),
		LPSupply:                    units.Clone(s.LPSupply),
		UserLP:                      userLP,
		LastPaidTs:                  s.LastPaidTs,
		CurrentEpochRemainingBuffer: units.Clone(s.CurrentEpochRemainingBuffer),
		GlobalUPL:                   new(big.Int).Set(s.GlobalUPL),
		FeeReserve:                  units.Clone(s.FeeReserve),
		Params:                      s.Params,
	}, nil
}

// StreamBufferToPool recognizes the time-prorated share of the current
// epoch's buffer into principal. It is exported because the engine's
// ordering guarantee (ii) requires callers elsewhere (e.g. set_global_upls)
// to invoke it before other buffer-affecting mutations on the asset.
func (p *Pool) StreamBufferToPool(asset model.AssetID, now int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return err
	}
	p.streamBufferToPoolLocked(asset, s, now)
	return nil
}

func (p *Pool) streamBufferToPoolLocked(asset model.AssetID, s *State, now int64) {
	period := s.Params.BufferPayoutPeriod
	if period <= 0 {
		s.LastPaidTs = now
		return
	}
	e := (now / period) * period
	re := units.Clone(s.CurrentEpochRemainingBuffer)
	b := units.Clone(s.BufferBalance)
	t := s.LastPaidTs

	var amt *uint256.Int

	if t < e-period {
		amt = units.Clone(b)
		re = units.Zero()
	} else {
		amt = units.Zero()
		if t < e {
			amt = units.Add(amt, re)
			re = units.SatSub(b, re)
			t = e
		}
		if !re.IsZero() {
			denom := e + period - t
			if denom > 0 {
				elapsed := now - t
				if elapsed < 0 {
					elapsed = 0
				}
				slice := units.MulDiv(re, units.New(uint64(elapsed)), units.New(uint64(denom)))
				slice = units.Min(slice, re)
				amt = units.Add(amt, slice)
				re = units.Sub(re, slice)
			}
		}
		if amt.Cmp(b) > 0 {
			amt = units.Clone(b)
			re = units.Zero()
		}
	}

	s.CurrentEpochRemainingBuffer = re
	s.LastPaidTs = now
	s.BufferBalance = units.Sub(b, amt)
	s.Balance = units.Add(s.Balance, amt)

	if !amt.IsZero() {
		p.bus.Emit(events.BufferToPool, now, map[string]string{
			"asset":  asset.String(),
			"amount": amt.String(),
		})
	}
}

// CreditTraderLoss streams the buffer and adds amount to it. It never
// fails — a trader's realized loss always finds a home in the pool.
func (p *Pool) CreditTraderLoss(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return err
	}
	p.streamBufferToPoolLocked(asset, s, now)
	s.BufferBalance = units.Add(s.BufferBalance, amount)
	p.bus.Emit(events.PoolPayIn, now, map[string]string{
		"user": user.String(), "asset": asset.String(), "market": market.String(), "amount": amount.String(),
	})
	return nil
}

// DebitTraderProfit pays a trader's realized profit out of the buffer
// first, then principal if the buffer cannot cover it. The buffer is
// streamed into principal up to now first; insufficiency of principal is
// then validated before any payout is applied, so a failing call leaves
// the ledger and the pool's balances as they were after that streaming.
func (p *Pool) DebitTraderProfit(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error {
	if amount.IsZero() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return err
	}
	p.streamBufferToPoolLocked(asset, s, now)

	b := units.Clone(s.BufferBalance)
	var shortfall *uint256.Int = units.Zero()
	if amount.Cmp(b) > 0 {
		shortfall = units.Sub(amount, b)
	}
	if shortfall.Cmp(s.Balance) > 0 {
		return model.ErrInsufficientPoolLiquidity
	}

	newBuffer := units.SatSub(b, amount)
	newRe := units.Clone(s.CurrentEpochRemainingBuffer)
	if newBuffer.Cmp(units.Add(newRe, amount)) < 0 {
		newRe = units.Clone(newBuffer)
	}
	s.BufferBalance = newBuffer
	s.CurrentEpochRemainingBuffer = newRe
	if !shortfall.IsZero() {
		s.Balance = units.Sub(s.Balance, shortfall)
	}

	p.streamBufferToPoolLocked(asset, s, now)

	if err := p.ledger.TransferOut(user, asset, amount); err != nil {
		return err
	}
	p.bus.Emit(events.PoolPayOut, now, map[string]string{
		"user": user.String(), "asset": asset.String(), "market": market.String(), "amount": amount.String(),
	})
	return nil
}

// DirectPoolDeposit adds amount to the buffer as a no-strings-attached
// gift to the pool; no LP shares are minted.
func (p *Pool) DirectPoolDeposit(user model.Address, asset model.AssetID, amount *uint256.Int, now int64) error {
	if amount.IsZero() {
		return model.ErrInvalidParameter
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return err
	}
	if err := p.ledger.TransferIn(user, asset, amount); err != nil {
		return err
	}
	p.streamBufferToPoolLocked(asset, s, now)
	s.BufferBalance = units.Add(s.BufferBalance, amount)
	p.bus.Emit(events.DirectPoolDeposit, now, map[string]string{
		"user": user.String(), "asset": asset.String(), "amount": amount.String(),
	})
	return nil
}

// PoolBalance returns the asset's current principal balance, implementing
// position.BalanceReader for RiskValidator.CheckPoolDrawdown.
func (p *Pool) PoolBalance(asset model.AssetID) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return units.Zero()
	}
	return units.Clone(s.Balance)
}

// CreditFeeShares adds the pool's share of a trade fee directly to
// principal (called by internal/position's credit_fee distribution).
func (p *Pool) CreditFeeShares(asset model.AssetID, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return err
	}
	s.Balance = units.Add(s.Balance, amount)
	return nil
}

// CreditFeeReserve adds the treasury's share of a trade fee to the fee
// reserve, to be withdrawn later by governance.
func (p *Pool) CreditFeeReserve(asset model.AssetID, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return err
	}
	s.FeeReserve = units.Add(s.FeeReserve, amount)
	return nil
}

// WithdrawFeeReserve pays amount out of the fee reserve to a governance-
// designated recipient.
func (p *Pool) WithdrawFeeReserve(asset model.AssetID, amount *uint256.Int, to model.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return err
	}
	if amount.Cmp(s.FeeReserve) > 0 {
		return model.ErrInsufficientPoolLiquidity
	}
	s.FeeReserve = units.Sub(s.FeeReserve, amount)
	return p.ledger.TransferOut(to, asset, amount)
}

// DepositTaxBps implements the spec's deposit tax formula: a tax applied
// when the pool is net-liability (global UPL below buffer balance),
// proportional to how underwater it is relative to post-deposit balance.
func (p *Pool) DepositTaxBps(asset model.AssetID, amount *uint256.Int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return 0, err
	}
	return depositTaxBps(s, amount), nil
}

func depositTaxBps(s *State, amount *uint256.Int) uint64 {
	bufferBig := units.ToBig(s.BufferBalance)
	if s.GlobalUPL.Cmp(bufferBig) >= 0 {
		return 0
	}
	num := new(big.Int).Sub(bufferBig, s.GlobalUPL)
	denom := units.ToBig(units.Add(s.Balance, amount))
	if denom.Sign() == 0 {
		return units.BPS
	}
	tax := units.MulDivSigned(num, units.BPSBig, denom)
	return clampBps(tax)
}

// WithdrawalTaxBps implements the spec's withdrawal tax formula. When the
// requested amount is at or above the full pool balance, the withdrawal
// is blocked outright (tax = BPS) rather than dividing by a non-positive
// denominator — this and the amount < balance branch are the two
// literally-distinct formulas the spec calls out as an open question;
// both are pinned by tests in pool_test.go.
func (p *Pool) WithdrawalTaxBps(asset model.AssetID, amount *uint256.Int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return 0, err
	}
	return withdrawalTaxBps(s, amount), nil
}

func withdrawalTaxBps(s *State, amount *uint256.Int) uint64 {
	if amount.Cmp(s.Balance) >= 0 {
		return units.BPS
	}
	bufferBig := units.ToBig(s.BufferBalance)
	if s.GlobalUPL.Cmp(bufferBig) <= 0 {
		return 0
	}
	num := new(big.Int).Sub(s.GlobalUPL, bufferBig)
	denom := units.ToBig(units.Sub(s.Balance, amount))
	tax := units.MulDivSigned(num, units.BPSBig, denom)
	return clampBps(tax)
}

func clampBps(tax *big.Int) uint64 {
	if tax.Sign() <= 0 {
		return 0
	}
	if tax.Cmp(units.BPSBig) >= 0 {
		return units.BPS
	}
	return tax.Uint64()
}

// SetGlobalUPL records the keeper-supplied global unrealized P&L for an
// asset, used to bias deposit/withdrawal tax.
func (p *Pool) SetGlobalUPL(asset model.AssetID, upl *big.Int, now int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(asset)
	if err != nil {
		return err
	}
	p.streamBufferToPoolLocked(asset, s, now)
	s.GlobalUPL = new(big.Int).Set(upl)
	p.bus.Emit(events.GlobalUPLSet, now, map[string]string{
		"asset": asset.String(), "upl": upl.String(),
	})
	return nil
}
