// Package execution implements the ExecutionEngine (C9): oracle price
// bounding with confidence-based spreading, trigger matching for every
// order kind, OCO cancellation, and routing a matched order into
// PositionManager's increase/decrease path. It is the keeper-facing
// surface: every exported method here corresponds to one batched keeper
// command.
package execution

import (
	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/units"
)

// PositionOps is the slice of PositionManager the engine drives orders
// through.
type PositionOps interface {
	IncreasePosition(orderID uint32, execPrice *uint256.Int, keeper model.Address, now int64) error
	DecreasePosition(orderID uint32, execPrice *uint256.Int, isTrailingStop bool, keeper model.Address, now int64) (position.DecreaseResult, error)
	Liquidate(user model.Address, asset model.AssetID, market model.MarketID, price *uint256.Int, liqThresholdBps, feeBps, liquidationFeeBps uint64, keeper model.Address, now int64) error
	GetPosition(key model.PositionKey) (model.Position, bool)
}

// OrderView is the slice of OrderBook the engine needs: load a resting
// order and cancel it (on expiry, an unmet trigger removed by a keeper
// that knows better, or OCO fan-out).
type OrderView interface {
	GetOrder(id uint32) (model.Order, bool)
	CancelWithReason(id uint32, reason string, feeReceiver model.Address, now int64) error
}

// Engine wires the oracle feeds, registry, and PositionManager/OrderBook
// handles together into the keeper command surface.
type Engine struct {
	priceFeed capability.PriceFeed
	refFeed   capability.ReferencePriceFeed
	registry  *registry.Registry
	positions PositionOps
	orders    OrderView
	bus       *events.Bus

	liquidationFeeBps  uint64
	maxMarketOrderTTL  int64
	maxTriggerOrderTTL int64
}

// New constructs an Engine. liquidationFeeBps and the TTL caps are the
// same governance values OrderBook enforces at submission time
// (position.FeeParams.LiquidationFeeBps, orderbook.Params); the engine
// re-checks the TTL caps at execution time since a trigger order can
// rest long enough to go stale between submission and a keeper batch.
func New(priceFeed capability.PriceFeed, refFeed capability.ReferencePriceFeed, reg *registry.Registry, positions PositionOps, orders OrderView, bus *events.Bus, liquidationFeeBps uint64, maxMarketOrderTTL, maxTriggerOrderTTL int64) *Engine {
	return &Engine{
		priceFeed: priceFeed, refFeed: refFeed, registry: reg, positions: positions, orders: orders, bus: bus,
		liquidationFeeBps: liquidationFeeBps, maxMarketOrderTTL: maxMarketOrderTTL, maxTriggerOrderTTL: maxTriggerOrderTTL,
	}
}

// GetOraclePrice resolves the execution price for a market: the latest
// PriceFeed point, checked for staleness against the market's
// OracleMaxAgeS, then bounded against the slower ReferencePriceFeed by
// MaxDeviationBps, then biased against the trader by ConfBps*multiplier
// to their disadvantage (maximise=true pushes the price up, false pushes
// it down) so a keeper cannot profit from a wide or stale confidence
// interval.
func (e *Engine) GetOraclePrice(asset model.AssetID, market model.MarketID, maximise bool, now int64) (*uint256.Int, error) {
	mkt, ok := e.registry.GetMarket(market)
	if !ok {
		return nil, model.ErrMarketNotFound
	}
	point, ok := e.priceFeed.GetUnsafe(market)
	if !ok || point.Price.IsZero() {
		return nil, model.ErrStaleOraclePrice
	}
	if mkt.OracleMaxAgeS > 0 && now-point.PublishTime > mkt.OracleMaxAgeS {
		return nil, model.ErrStaleOraclePrice
	}

	if refPrice, ok := e.refFeed.GetReference(asset); ok && !refPrice.IsZero() {
		dev := units.AbsDiff(point.Price, refPrice)
		bound := units.MulDivBPS(refPrice, mkt.MaxDeviationBps)
		if mkt.MaxDeviationBps > 0 && dev.Cmp(bound) > 0 {
			return nil, model.ErrPriceDeviationExceeded
		}
	}

	price := units.Clone(point.Price)
	if point.ConfBps > mkt.PriceConfThresholdBps {
		spreadBps := point.ConfBps * mkt.PriceConfMultiplierBps / units.BPS
		spread := units.MulDivBPS(price, spreadBps)
		if maximise {
			price = units.Add(price, spread)
		} else {
			price = units.SatSub(price, spread)
		}
	}
	return price, nil
}

// matchTrigger resolves whether an order's trigger condition is met at
// price, mirroring _execute_order's per-kind branch in the component
// design. matched reports whether the order should now be routed into
// increase/decrease; cancel reports whether a false match should cancel
// the order outright (protected-market rejection, a trailing-stop order
// missing its percentage) rather than simply leave it resting.
func (e *Engine) matchTrigger(order model.Order, price, trailingRef *uint256.Int) (matched bool, cancel bool, reason string) {
	switch order.Detail.Kind {
	case model.OrderMarket:
		// A protected market order carries a non-zero trigger as a worst
		// acceptable price; anything past it cancels rather than fills.
		if order.Detail.TriggerPrice != nil && !order.Detail.TriggerPrice.IsZero() {
			if order.IsLong {
				if price.Cmp(order.Detail.TriggerPrice) > 0 {
					return false, true, "!protected"
				}
			} else {
				if price.Cmp(order.Detail.TriggerPrice) < 0 {
					return false, true, "!protected"
				}
			}
		}
		return true, false, ""

	case model.OrderLimit:
		// A long's limit buys at or below its trigger; a short's limit
		// sells at or above it.
		if order.IsLong {
			if price.Cmp(order.Detail.TriggerPrice) <= 0 {
				return true, false, ""
			}
		} else {
			if price.Cmp(order.Detail.TriggerPrice) >= 0 {
				return true, false, ""
			}
		}
		return false, false, "trigger-not-met"

	case model.OrderStop:
		// A long's stop buys into a breakout once price rises to or past
		// its trigger; a short's mirrors it on the way down.
		if order.IsLong {
			if price.Cmp(order.Detail.TriggerPrice) >= 0 {
				return true, false, ""
			}
		} else {
			if price.Cmp(order.Detail.TriggerPrice) <= 0 {
				return true, false, ""
			}
		}
		return false, false, "trigger-not-met"

	case model.OrderTrailingStop:
		if order.Detail.TrailingStopBps == 0 {
			return false, true, "!no-trailing-stop-percentage"
		}
		if trailingRef == nil || trailingRef.IsZero() {
			return false, false, "!ts-no-ref-price"
		}
		if order.IsLong {
			threshold := units.MulDivBPS(trailingRef, units.BPS+order.Detail.TrailingStopBps)
			if price.Cmp(threshold) >= 0 {
				return true, false, ""
			}
		} else {
			threshold := units.MulDivBPS(trailingRef, units.BPS-order.Detail.TrailingStopBps)
			if price.Cmp(threshold) <= 0 {
				return true, false, ""
			}
		}
		return false, false, "!no-trailing-stop-execution"

	default:
		return false, false, "unknown-order-kind"
	}
}

// ExecResult reports the outcome of one batched order execution attempt.
type ExecResult struct {
	OrderID uint32
	OK      bool
	Reason  string
}

// ExecuteOrders processes a keeper-submitted batch of order ids against
// the current oracle price, routing each matched order to increase or
// decrease. trailingRefs supplies the keeper-observed reference price a
// trailing-stop order's threshold is measured against, keyed by order
// id; an id absent from the map (or any non-trailing-stop order) simply
// ignores it.
func (e *Engine) ExecuteOrders(ids []uint32, trailingRefs map[uint32]*uint256.Int, keeper model.Address, now int64) []ExecResult {
	results := make([]ExecResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, e.executeOne(id, trailingRefs[id], keeper, now))
	}
	return results
}

func (e *Engine) executeOne(id uint32, trailingRef *uint256.Int, keeper model.Address, now int64) ExecResult {
	order, ok := e.orders.GetOrder(id)
	if !ok {
		return ExecResult{OrderID: id, OK: false, Reason: "order-not-found"}
	}

	mkt, ok := e.registry.GetMarket(order.Market)
	if !ok {
		return ExecResult{OrderID: id, OK: false, Reason: "market-not-found"}
	}

	if order.Detail.Expiry != 0 && now >= order.Detail.Expiry {
		_ = e.orders.CancelWithReason(id, "!expired", keeper, now)
		e.bus.Emit(events.OrderSkipped, now, map[string]string{"order_id": idString(id), "reason": "expired"})
		return ExecResult{OrderID: id, OK: false, Reason: "expired"}
	}

	// An order younger than the market's minimum age is left alone, not
	// cancelled — it simply has not had a chance to rest yet.
	if now-order.Timestamp < mkt.MinOrderAgeS {
		return ExecResult{OrderID: id, OK: false, Reason: "!early"}
	}

	maxTTL := e.maxTriggerOrderTTL
	if order.Detail.Kind == model.OrderMarket {
		maxTTL = e.maxMarketOrderTTL
	}
	if maxTTL > 0 && now-order.Timestamp > maxTTL {
		_ = e.orders.CancelWithReason(id, "!too-old", keeper, now)
		e.bus.Emit(events.OrderSkipped, now, map[string]string{"order_id": idString(id), "reason": "too-old"})
		return ExecResult{OrderID: id, OK: false, Reason: "too-old"}
	}

	price, err := e.GetOraclePrice(order.Asset, order.Market, order.IsLong, now)
	if err != nil {
		return ExecResult{OrderID: id, OK: false, Reason: err.Error()}
	}

	matched, cancel, reason := e.matchTrigger(order, price, trailingRef)
	if cancel {
		_ = e.orders.CancelWithReason(id, reason, keeper, now)
		e.bus.Emit(events.OrderSkipped, now, map[string]string{"order_id": idString(id), "reason": reason})
		return ExecResult{OrderID: id, OK: false, Reason: reason}
	}
	if !matched {
		return ExecResult{OrderID: id, OK: false, Reason: reason}
	}

	_, hasPosition := e.positions.GetPosition(model.PositionKey{User: order.User, Asset: order.Asset, Market: order.Market})
	isDecrease := order.Detail.ReduceOnly || (hasPosition && order.Detail.Kind != model.OrderMarket)

	if isDecrease || (hasPositionOppositeDirection(e, order)) {
		isTrailing := order.Detail.Kind == model.OrderTrailingStop
		_, err := e.positions.DecreasePosition(id, price, isTrailing, keeper, now)
		if err != nil {
			return ExecResult{OrderID: id, OK: false, Reason: err.Error()}
		}
	} else {
		if err := e.positions.IncreasePosition(id, price, keeper, now); err != nil {
			return ExecResult{OrderID: id, OK: false, Reason: err.Error()}
		}
	}

	if order.Detail.CancelOnExecuteID != 0 {
		_ = e.orders.CancelWithReason(order.Detail.CancelOnExecuteID, "!oco", keeper, now)
	}

	evt := events.OrderExecuted
	if order.Detail.Kind == model.OrderTrailingStop {
		evt = events.TrailingStopOrderExecuted
	}
	e.bus.Emit(evt, now, map[string]string{
		"order_id": idString(id), "user": order.User.String(), "price": price.String(),
	})
	return ExecResult{OrderID: id, OK: true}
}

func hasPositionOppositeDirection(e *Engine, order model.Order) bool {
	pos, ok := e.positions.GetPosition(model.PositionKey{User: order.User, Asset: order.Asset, Market: order.Market})
	return ok && pos.IsLong != order.IsLong
}

// LiquidatePositions liquidates each (user, asset, market) triple whose
// current oracle-bounded price puts it at or beyond its market's
// liquidation threshold. A failure on one position is recorded and does
// not block the rest of the batch.
func (e *Engine) LiquidatePositions(keys []model.PositionKey, keeper model.Address, now int64) []ExecResult {
	results := make([]ExecResult, 0, len(keys))
	for _, key := range keys {
		mkt, ok := e.registry.GetMarket(key.Market)
		if !ok {
			results = append(results, ExecResult{OK: false, Reason: "market-not-found"})
			continue
		}
		pos, ok := e.positions.GetPosition(key)
		if !ok {
			results = append(results, ExecResult{OK: false, Reason: "position-not-found"})
			continue
		}
		// Bias the price against the trader: a long is liquidated at the
		// lowest plausible price, a short at the highest.
		price, err := e.GetOraclePrice(key.Asset, key.Market, !pos.IsLong, now)
		if err != nil {
			e.bus.Emit(events.LiquidationError, now, map[string]string{
				"user": key.User.String(), "asset": key.Asset.String(), "market": key.Market.String(), "error": err.Error(),
			})
			results = append(results, ExecResult{OK: false, Reason: err.Error()})
			continue
		}
		err = e.positions.Liquidate(key.User, key.Asset, key.Market, price, mkt.LiqThresholdBps, mkt.FeeBps, e.liquidationFeeBps, keeper, now)
		if err != nil {
			e.bus.Emit(events.LiquidationError, now, map[string]string{
				"user": key.User.String(), "asset": key.Asset.String(), "market": key.Market.String(), "error": err.Error(),
			})
			results = append(results, ExecResult{OK: false, Reason: err.Error()})
			continue
		}
		results = append(results, ExecResult{OK: true})
	}
	return results
}

func idString(id uint32) string { return uint256.NewInt(uint64(id)).String() }
