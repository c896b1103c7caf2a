// Package position implements the PositionManager (C6): open-interest
// bookkeeping, average-price arithmetic, P&L and funding-fee calculation,
// margin add/remove, and fee distribution across pool/treasury/keeper.
//
// PositionManager and OrderBook hold each other's handles (OrderBook needs
// to check for an existing position before accepting a reduce-only order;
// PositionManager needs to load and remove the order it is executing).
// That cycle is resolved here the way the design notes prescribe: Manager
// is constructed with no OrderStore, then LinkOrderBook wires it in once
// both sides exist.
package position

import (
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/units"
)

// OrderStore is the slice of OrderBook that PositionManager needs to
// execute against: load the order driving an increase/decrease, and
// remove it once consumed.
type OrderStore interface {
	GetOrder(id uint32) (model.Order, bool)
	RemoveOrder(id uint32) error
}

// PoolAdapter is the slice of LiquidityPool that PositionManager needs
// for loss/profit settlement and fee distribution.
type PoolAdapter interface {
	CreditTraderLoss(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error
	DebitTraderProfit(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error
	CreditFeeShares(asset model.AssetID, amount *uint256.Int) error
	CreditFeeReserve(asset model.AssetID, amount *uint256.Int) error
}

// BalanceReader exposes the read-only pool principal lookup
// RiskValidator.CheckPoolDrawdown needs; kept separate from PoolAdapter
// so the write path stays a narrow, auditable interface.
type BalanceReader interface {
	PoolBalance(asset model.AssetID) *uint256.Int
}

type marketKey struct {
	asset  model.AssetID
	market model.MarketID
}

type userMarketKey struct {
	user   model.Address
	market model.MarketID
}

// FeeParams are the governance-controlled fee split parameters applied
// in CreditFee.
type FeeParams struct {
	KeeperFeeShareBps     uint64
	PoolFeeShareBps       uint64
	RemoveMarginBufferBps uint64
	MinPositionHoldTimeS  int64
	TrailingStopFeeBps    uint64
	LiquidationFeeBps     uint64
}

// Manager owns all open positions and open-interest counters.
type Manager struct {
	mu            sync.Mutex
	positions     map[model.PositionKey]*model.Position
	oiByPair      map[marketKey]model.OpenInterestPair
	oiByAsset     map[model.AssetID]model.OpenInterestPair
	lastIncreased map[userMarketKey]int64

	orders        OrderStore
	funding       *funding.Tracker
	riskV         *risk.Validator
	poolA         PoolAdapter
	balanceReader BalanceReader
	ledger        capability.Ledger
	refFeed       capability.ReferencePriceFeed
	referrals     capability.ReferralDirectory
	bus           *events.Bus
	registry      *registry.Registry
	params        FeeParams
}

// New constructs a Manager. The OrderStore is linked later via
// LinkOrderBook once the OrderBook exists.
func New(riskV *risk.Validator, poolA PoolAdapter, ledger capability.Ledger, refFeed capability.ReferencePriceFeed, referrals capability.ReferralDirectory, bus *events.Bus, reg *registry.Registry, params FeeParams) *Manager {
	return &Manager{
		positions:     make(map[model.PositionKey]*model.Position),
		oiByPair:      make(map[marketKey]model.OpenInterestPair),
		oiByAsset:     make(map[model.AssetID]model.OpenInterestPair),
		lastIncreased: make(map[userMarketKey]int64),
		riskV:         riskV,
		poolA:         poolA,
		ledger:        ledger,
		refFeed:       refFeed,
		referrals:     referrals,
		bus:           bus,
		registry:      reg,
		params:        params,
	}
}

// LinkOrderBook completes the OrderBook<->PositionManager cycle.
func (m *Manager) LinkOrderBook(orders OrderStore) { m.orders = orders }

// LinkFunding completes the PositionManager<->FundingTracker cycle:
// FundingTracker reads OI through the Manager itself (OpenInterest
// below), so it can be constructed with the Manager as its reader before
// this call; this just gives the Manager a handle to drive updates.
func (m *Manager) LinkFunding(tracker *funding.Tracker) { m.funding = tracker }

// LinkBalanceReader wires the pool principal lookup used by
// RiskValidator.CheckPoolDrawdown.
func (m *Manager) LinkBalanceReader(r BalanceReader) { m.balanceReader = r }

// OpenInterest implements funding.OpenInterestReader.
func (m *Manager) OpenInterest(asset model.AssetID, market model.MarketID) model.OpenInterestPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oiByPair[marketKey{asset, market}]
}

// AssetOpenInterest implements pool.OpenInterestReader: the asset-wide
// total OI (long+short) used by withdrawal liquidity checks.
func (m *Manager) AssetOpenInterest(asset model.AssetID) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair := m.oiByAsset[asset]
	if pair.Long == nil {
		return units.Zero()
	}
	return units.Add(pair.Long, pair.Short)
}

func (m *Manager) incrementOI(asset model.AssetID, market model.MarketID, size *uint256.Int, isLong bool, now int64) {
	k := marketKey{asset, market}
	pair := m.oiByPair[k]
	if pair.Long == nil {
		pair = model.OpenInterestPair{Long: units.Zero(), Short: units.Zero()}
	}
	assetPair := m.oiByAsset[asset]
	if assetPair.Long == nil {
		assetPair = model.OpenInterestPair{Long: units.Zero(), Short: units.Zero()}
	}
	if isLong {
		pair.Long = units.Add(pair.Long, size)
		assetPair.Long = units.Add(assetPair.Long, size)
	} else {
		pair.Short = units.Add(pair.Short, size)
		assetPair.Short = units.Add(assetPair.Short, size)
	}
	m.oiByPair[k] = pair
	m.oiByAsset[asset] = assetPair
	m.bus.Emit(events.IncrementOI, now, map[string]string{
		"asset": asset.String(), "market": market.String(), "size": size.String(),
	})
}

func (m *Manager) decrementOI(asset model.AssetID, market model.MarketID, size *uint256.Int, isLong bool, now int64) {
	k := marketKey{asset, market}
	pair := m.oiByPair[k]
	assetPair := m.oiByAsset[asset]
	if isLong {
		pair.Long = units.SatSub(pair.Long, size)
		assetPair.Long = units.SatSub(assetPair.Long, size)
	} else {
		pair.Short = units.SatSub(pair.Short, size)
		assetPair.Short = units.SatSub(assetPair.Short, size)
	}
	m.oiByPair[k] = pair
	m.oiByAsset[asset] = assetPair
	m.bus.Emit(events.DecrementOI, now, map[string]string{
		"asset": asset.String(), "market": market.String(), "size": size.String(),
	})
}

// Restore loads a position snapshot back into the manager on boot,
// folding it into the open-interest counters without emitting an event
// or touching lastIncreased — recovery replays prior state, it doesn't
// perform a new increase.
func (m *Manager) Restore(p model.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := model.PositionKey{User: p.User, Asset: p.Asset, Market: p.Market}
	cp := p
	m.positions[key] = &cp

	k := marketKey{p.Asset, p.Market}
	pair := m.oiByPair[k]
	if pair.Long == nil {
		pair = model.OpenInterestPair{Long: units.Zero(), Short: units.Zero()}
	}
	assetPair := m.oiByAsset[p.Asset]
	if assetPair.Long == nil {
		assetPair = model.OpenInterestPair{Long: units.Zero(), Short: units.Zero()}
	}
	if p.IsLong {
		pair.Long = units.Add(pair.Long, p.Size)
		assetPair.Long = units.Add(assetPair.Long, p.Size)
	} else {
		pair.Short = units.Add(pair.Short, p.Size)
		assetPair.Short = units.Add(assetPair.Short, p.Size)
	}
	m.oiByPair[k] = pair
	m.oiByAsset[p.Asset] = assetPair
}

// GetPosition returns a copy of a stored position, for read-side queries.
func (m *Manager) GetPosition(key model.PositionKey) (model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[key]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// ListPositions returns a snapshot of every open position for a user.
func (m *Manager) ListPositions(user model.Address) []model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Position, 0)
	for k, p := range m.positions {
		if k.User == user {
			out = append(out, *p)
		}
	}
	return out
}

func (m *Manager) updateFunding(asset model.AssetID, market model.MarketID, now int64) {
	mkt, ok := m.registry.GetMarket(market)
	if !ok {
		return
	}
	interval := mkt.FundingIntervalS
	if interval <= 0 {
		interval = 3600
	}
	m.funding.Update(asset, market, now, interval, mkt.FundingFactorBps)
}

// GetPnL computes directional price P&L plus the signed funding fee for
// an executed size, per the component design's get_pnl formula.
func (m *Manager) GetPnL(asset model.AssetID, market model.MarketID, isLong bool, price, avgPrice, size *uint256.Int, snapshot *big.Int, now int64) (*big.Int, *big.Int) {
	if price.IsZero() || avgPrice.IsZero() || size.IsZero() {
		return new(big.Int), new(big.Int)
	}
	mkt, _ := m.registry.GetMarket(market)
	interval := mkt.FundingIntervalS
	if interval <= 0 {
		interval = 3600
	}

	var pnl *big.Int
	if isLong {
		pnl = units.MulDivSigned(size.ToBig(), new(big.Int).Sub(price.ToBig(), avgPrice.ToBig()), avgPrice.ToBig())
	} else {
		pnl = units.MulDivSigned(size.ToBig(), new(big.Int).Sub(avgPrice.ToBig(), price.ToBig()), avgPrice.ToBig())
	}

	nextTracker := m.funding.Projected(asset, market, now, interval, mkt.FundingFactorBps)
	delta := new(big.Int).Sub(nextTracker, snapshot)
	fundingFee := units.MulDivSigned(size.ToBig(), delta, new(big.Int).Mul(units.BPSBig, units.UnitBig))

	if isLong {
		pnl.Sub(pnl, fundingFee)
	} else {
		pnl.Add(pnl, fundingFee)
	}
	return pnl, fundingFee
}

// CreditFee distributes a trade fee (in asset units) across keeper, pool,
// treasury, and — when the paying user has a registered referrer —
// referral rebate shares, then pays the native execution fee to the
// keeper. The referral rebate and referrer share both come out of the
// treasury's cut, never the pool's.
func (m *Manager) CreditFee(user model.Address, asset model.AssetID, market model.MarketID, fee, executionFee *uint256.Int, keeper model.Address, now int64) error {
	feeUnit := units.MulDiv(fee, units.UnitInt, units.New(1))
	keeperFee := units.MulDivBPS(feeUnit, m.params.KeeperFeeShareBps)
	net := units.Sub(feeUnit, keeperFee)
	feeToPool := units.MulDivBPS(net, m.params.PoolFeeShareBps)
	feeToTreasury := units.Sub(net, feeToPool)

	var rebate, referrerCut *uint256.Int
	var referrer model.Address
	if m.referrals != nil {
		if info, ok := m.referrals.Info(user); ok && !info.Referrer.IsZero() {
			referrer = info.Referrer
			rebate = units.MulDivBPS(feeToTreasury, info.RebateBps)
			referrerCut = units.MulDivBPS(feeToTreasury, info.ReferrerBps)
			feeToTreasury = units.Sub(feeToTreasury, units.Add(rebate, referrerCut))
		}
	}

	if err := m.poolA.CreditFeeShares(asset, units.MulDiv(feeToPool, units.New(1), units.UnitInt)); err != nil {
		return err
	}
	if err := m.poolA.CreditFeeReserve(asset, units.MulDiv(feeToTreasury, units.New(1), units.UnitInt)); err != nil {
		return err
	}
	if err := m.ledger.TransferOut(keeper, asset, units.MulDiv(keeperFee, units.New(1), units.UnitInt)); err != nil {
		return err
	}
	if rebate != nil && !rebate.IsZero() {
		if err := m.ledger.TransferOut(user, asset, units.MulDiv(rebate, units.New(1), units.UnitInt)); err != nil {
			return err
		}
	}
	if referrerCut != nil && !referrerCut.IsZero() {
		if err := m.ledger.TransferOut(referrer, asset, units.MulDiv(referrerCut, units.New(1), units.UnitInt)); err != nil {
			return err
		}
	}
	if !executionFee.IsZero() {
		if err := m.ledger.TransferOut(keeper, model.NativeAsset, executionFee); err != nil {
			return err
		}
	}
	m.bus.Emit(events.FeePaid, now, map[string]string{
		"asset": asset.String(), "market": market.String(), "fee": fee.String(),
	})
	return nil
}
