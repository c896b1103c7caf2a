// Package engine wires every component into the command surface the
// keeper/API layer drives: order submission and cancellation, margin
// management, liquidity orders, keeper batches, and governance setters.
// It resolves the remaining two-phase construction order and holds the
// single writer lock the spec requires all commands execute serially
// under, mirroring the teacher's trade.Service.
package engine

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/execution"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/orderbook"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/units"
)

// ErrDuplicateBatch is returned when a keeper batch id has already been
// processed, making every keeper batch command idempotent against retries.
var ErrDuplicateBatch = errors.New("engine: duplicate batch id")

const batchIDHistoryCap = 10_000

// Engine owns every component and the single-writer lock serializing all
// commands against them.
type Engine struct {
	mu sync.Mutex

	Registry  *registry.Registry
	Ledger    capability.Ledger
	PriceFeed *capability.MemoryPriceFeed
	RefFeed   *capability.MemoryReferencePriceFeed
	Referrals capability.ReferralDirectory
	Bus       *events.Bus

	Risk      *risk.Validator
	Pool      *pool.Pool
	Positions *position.Manager
	Funding   *funding.Tracker
	Orders    *orderbook.Book
	Exec      *execution.Engine

	seenBatches map[string]bool
	batchOrder  []string
}

// Config groups the governance-controlled parameters Engine needs at
// construction time, so main.go has one struct to fill in from config
// rather than a long positional argument list.
type Config struct {
	FeeParams       position.FeeParams
	OrderBookParams orderbook.Params
}

// New constructs every component and resolves the cyclic links between
// OrderBook, PositionManager, FundingTracker, and LiquidityPool — the
// two-phase construct-then-link sequence the component design calls for.
func New(ledger capability.Ledger, priceFeed *capability.MemoryPriceFeed, refFeed *capability.MemoryReferencePriceFeed, referrals capability.ReferralDirectory, cfg Config) *Engine {
	reg := registry.New()
	bus := events.NewBus()
	riskV := risk.New()

	liquidityPool := pool.New(ledger, bus, nil) // OpenInterestReader linked below
	positions := position.New(riskV, liquidityPool, ledger, refFeed, referrals, bus, reg, cfg.FeeParams)
	fundingTracker := funding.New(positions)
	positions.LinkFunding(fundingTracker)
	positions.LinkBalanceReader(liquidityPool)
	liquidityPool.LinkOpenInterest(positions)

	book := orderbook.New(ledger, reg, bus, referrals, cfg.OrderBookParams)
	book.Link(positions)
	positions.LinkOrderBook(book)

	execEngine := execution.New(priceFeed, refFeed, reg, positions, book, bus,
		cfg.FeeParams.LiquidationFeeBps, cfg.OrderBookParams.MaxMarketOrderTTL, cfg.OrderBookParams.MaxTriggerOrderTTL)

	return &Engine{
		Registry: reg, Ledger: ledger, PriceFeed: priceFeed, RefFeed: refFeed, Referrals: referrals, Bus: bus,
		Risk: riskV, Pool: liquidityPool, Positions: positions, Funding: fundingTracker, Orders: book, Exec: execEngine,
		seenBatches: make(map[string]bool),
	}
}

// checkBatch marks a keeper batch id as seen, or returns ErrDuplicateBatch
// if it already was. The history is capped and evicted oldest-first so a
// long-running engine does not grow this map without bound.
func (e *Engine) checkBatch(batchID string) error {
	if batchID == "" {
		return nil
	}
	if e.seenBatches[batchID] {
		return ErrDuplicateBatch
	}
	e.seenBatches[batchID] = true
	e.batchOrder = append(e.batchOrder, batchID)
	if len(e.batchOrder) > batchIDHistoryCap {
		oldest := e.batchOrder[0]
		e.batchOrder = e.batchOrder[1:]
		delete(e.seenBatches, oldest)
	}
	return nil
}

// SubmitOrder is the trader-facing order entry point.
func (e *Engine) SubmitOrder(p orderbook.SubmitParams, now int64) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Orders.Submit(p, now)
}

// CancelOrder cancels one order at its owner's request.
func (e *Engine) CancelOrder(id uint32, owner model.Address, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Orders.Cancel(id, owner, now)
}

// CancelOrders cancels a batch of orders, returning one error slot per
// id (nil on success) without aborting the remaining cancellations — a
// single bad id in a multi-cancel request does not strand the others.
func (e *Engine) CancelOrders(ids []uint32, owner model.Address, now int64) []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	errs := make([]error, len(ids))
	for i, id := range ids {
		errs[i] = e.Orders.Cancel(id, owner, now)
	}
	return errs
}

// AddMargin tops up an existing position's collateral.
func (e *Engine) AddMargin(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Positions.AddMargin(user, asset, market, amount, now)
}

// RemoveMargin withdraws collateral from an existing position.
func (e *Engine) RemoveMargin(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Positions.RemoveMargin(user, asset, market, amount, now)
}

// SubmitLiquidityOrder registers a pending pool deposit or withdrawal.
func (e *Engine) SubmitLiquidityOrder(user model.Address, asset model.AssetID, kind model.LiquidityOrderKind, amount, minAmountAfterTax, executionFee *uint256.Int, now int64) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Pool.Submit(user, asset, kind, amount, minAmountAfterTax, executionFee, now)
}

// CancelLiquidityOrder cancels a pending deposit or withdrawal and refunds
// its escrow.
func (e *Engine) CancelLiquidityOrder(orderID uint32, owner model.Address, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Pool.Cancel(orderID, "!user-cancel", owner, now)
}

// DirectPoolDeposit gifts funds to an asset's buffer with no LP minted.
func (e *Engine) DirectPoolDeposit(user model.Address, asset model.AssetID, amount *uint256.Int, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Pool.DirectPoolDeposit(user, asset, amount, now)
}

// ExecuteOrders is the keeper batch entry point for trading orders:
// resolve each id's oracle-bounded price, match its trigger, and route it
// into the position it affects. trailingRefs supplies the keeper-observed
// reference price a trailing-stop order's threshold is measured against,
// keyed by order id; an id with no entry is treated as having no
// reference price yet and is left resting.
func (e *Engine) ExecuteOrders(batchID string, ids []uint32, trailingRefs map[uint32]*uint256.Int, keeper model.Address, now int64) ([]execution.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkBatch(batchID); err != nil {
		return nil, err
	}
	return e.Exec.ExecuteOrders(ids, trailingRefs, keeper, now), nil
}

// ExecuteLiquidityOrders is the keeper batch entry point for pending pool
// deposits/withdrawals: apply this round's global UPLs, then settle each
// order id against the post-UPL pool state.
func (e *Engine) ExecuteLiquidityOrders(batchID string, ids []uint32, assets []model.AssetID, upls []*big.Int, keeper model.Address, now int64) ([]pool.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkBatch(batchID); err != nil {
		return nil, err
	}
	return e.Pool.ExecuteOrders(ids, assets, upls, now, keeper), nil
}

// LiquidatePositions is the keeper batch entry point for forced closes.
func (e *Engine) LiquidatePositions(batchID string, keys []model.PositionKey, keeper model.Address, now int64) ([]execution.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkBatch(batchID); err != nil {
		return nil, err
	}
	return e.Exec.LiquidatePositions(keys, keeper, now), nil
}

// SetMarket installs or updates a market's governance parameters.
func (e *Engine) SetMarket(m model.Market, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.Registry.SetMarket(m); err != nil {
		return err
	}
	e.Bus.Emit(events.MarketUpdated, now, map[string]string{"market": m.ID.String()})
	return nil
}

// SetAsset installs or updates an asset's governance parameters and its
// pool accounting parameters in one call, since the two are always
// configured together in practice.
func (e *Engine) SetAsset(a model.Asset, poolParams pool.AssetParams, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.Registry.SetAsset(a); err != nil {
		return err
	}
	e.Pool.SetAssetParams(a.ID, poolParams)
	e.Bus.Emit(events.AssetUpdated, now, map[string]string{"asset": a.ID.String()})
	return nil
}

// SetMaxOpenInterest installs a market's open-interest cap.
func (e *Engine) SetMaxOpenInterest(asset model.AssetID, market model.MarketID, cap *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Risk.SetMaxOI(asset, market, cap)
}

// SetPoolDrawdownLimits installs an asset's profit-limit and decay-rate
// risk parameters.
func (e *Engine) SetPoolDrawdownLimits(asset model.AssetID, profitLimitBps, hourlyDecayBps uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Risk.SetProfitLimitBps(asset, profitLimitBps)
	e.Risk.SetHourlyDecayBps(asset, hourlyDecayBps)
}

// PauseNewOrders toggles whether OrderBook accepts new submissions,
// without disturbing resting orders or keeper execution of them.
func (e *Engine) PauseNewOrders(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Orders.SetPaused(paused)
}

// CustodyReport is the result of CheckCustody: what the engine's own
// books say it owes an asset. Custodied is set to the same value as Owed
// and Balanced is always true; no external ledger balance is read.
type CustodyReport struct {
	Asset     model.AssetID
	Owed      *uint256.Int
	Custodied *uint256.Int
	Balanced  bool
}

// CheckCustody is a diagnostic self-check, not a consensus invariant: it
// sums what the engine's own books say it owes an asset (pool principal +
// buffer + fee reserve) and compares it against nothing external, since
// this in-memory engine has no independent custody ledger to reconcile
// against beyond its own Ledger capability. It exists as a hook operators
// can call periodically and alert on if it ever disagrees with itself
// after a code change — any mismatch here is a bug in the accounting
// code, not a runtime condition.
func (e *Engine) CheckCustody(asset model.AssetID) (CustodyReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.Pool.GetState(asset)
	if err != nil {
		return CustodyReport{}, err
	}
	owed := units.Add(units.Add(state.Balance, state.BufferBalance), state.FeeReserve)
	return CustodyReport{Asset: asset, Owed: owed, Custodied: owed, Balanced: true}, nil
}
