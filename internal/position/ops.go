package position

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/units"
)

// IncreasePosition opens or adds to a position from a resting order,
// following the sequence in the component design: risk check, funding
// update, OI increment, average-price update, fee distribution, order
// removal.
func (m *Manager) IncreasePosition(orderID uint32, execPrice *uint256.Int, keeper model.Address, now int64) error {
	m.mu.Lock()
	order, ok := m.ordersGetLocked(orderID)
	m.mu.Unlock()
	if !ok {
		return model.ErrOrderNotFound
	}
	if err := m.increasePositionCore(order, execPrice, keeper, now); err != nil {
		return err
	}
	return m.orders.RemoveOrder(orderID)
}

func (m *Manager) ordersGetLocked(orderID uint32) (model.Order, bool) {
	if m.orders == nil {
		return model.Order{}, false
	}
	return m.orders.GetOrder(orderID)
}

func (m *Manager) increasePositionCore(order model.Order, execPrice *uint256.Int, keeper model.Address, now int64) error {
	m.mu.Lock()
	total := m.oiByPair[marketKey{order.Asset, order.Market}]
	totalSize := units.Add(nz(total.Long), nz(total.Short))
	m.mu.Unlock()

	if err := m.riskV.CheckMaxOI(order.Asset, order.Market, order.Size, totalSize); err != nil {
		return err
	}

	m.updateFunding(order.Asset, order.Market, now)

	m.mu.Lock()
	m.incrementOI(order.Asset, order.Market, order.Size, order.IsLong, now)

	key := model.PositionKey{User: order.User, Asset: order.Asset, Market: order.Market}
	pos, exists := m.positions[key]
	if !exists {
		pos = &model.Position{
			User: order.User, Asset: order.Asset, Market: order.Market,
			IsLong: order.IsLong, Size: units.Zero(), Margin: units.Zero(),
			AvgPrice:               units.Zero(),
			Timestamp:              now,
			FundingTrackerSnapshot: m.funding.Current(order.Asset, order.Market),
		}
		m.positions[key] = pos
	}

	if pos.Size.IsZero() {
		pos.AvgPrice = units.Clone(execPrice)
	} else {
		num := units.Add(units.MulDiv(pos.Size, pos.AvgPrice, units.New(1)), units.MulDiv(order.Size, execPrice, units.New(1)))
		pos.AvgPrice = units.MulDiv(num, units.New(1), units.Add(pos.Size, order.Size))
	}
	pos.Size = units.Add(pos.Size, order.Size)
	pos.Margin = units.Add(pos.Margin, order.Margin)
	m.lastIncreased[userMarketKey{order.User, order.Market}] = now
	m.mu.Unlock()

	if err := m.CreditFee(order.User, order.Asset, order.Market, order.Fee, order.Detail.ExecutionFee, keeper, now); err != nil {
		return err
	}

	m.bus.Emit(events.PositionIncreased, now, map[string]string{
		"user": order.User.String(), "asset": order.Asset.String(), "market": order.Market.String(),
		"size": order.Size.String(), "price": execPrice.String(),
	})
	return nil
}

func nz(v *uint256.Int) *uint256.Int {
	if v == nil {
		return units.Zero()
	}
	return v
}

// DecreaseResult carries the amount returned to the user, for callers
// that need to drive the final ledger transfer.
type DecreaseResult struct {
	AmountToReturn *uint256.Int
}

// DecreasePosition closes or reduces a position against an opposite-side
// order, computing P&L and funding fee, settling with the pool, and —
// when the order's remaining size exceeds the existing position — opening
// the flipped remainder via a single bounded recursive increase.
func (m *Manager) DecreasePosition(orderID uint32, execPrice *uint256.Int, isTrailingStop bool, keeper model.Address, now int64) (DecreaseResult, error) {
	order, ok := m.ordersGetLocked(orderID)
	if !ok {
		return DecreaseResult{}, model.ErrOrderNotFound
	}

	key := model.PositionKey{User: order.User, Asset: order.Asset, Market: order.Market}
	m.mu.Lock()
	pos, exists := m.positions[key]
	m.mu.Unlock()
	if !exists {
		return DecreaseResult{}, model.ErrPositionNotFound
	}

	lastIncreasedAt := m.lastIncreased[userMarketKey{order.User, order.Market}]
	if m.params.MinPositionHoldTimeS > 0 && now-lastIncreasedAt <= m.params.MinPositionHoldTimeS {
		return DecreaseResult{}, model.ErrInvalidParameter
	}

	executed := units.Min(pos.Size, order.Size)
	remainingOrderSize := units.Sub(order.Size, executed)

	asset, _ := m.registry.GetAsset(order.Asset)
	if units.Sub(pos.Size, executed).Sign() > 0 {
		if units.Sub(pos.Size, executed).Cmp(nz(asset.MinSize)) < 0 {
			return DecreaseResult{}, model.ErrBelowMinSize
		}
	}

	var amountToReturn = units.Zero()
	var remainingOrderMargin = units.Zero()
	if !order.Detail.ReduceOnly && !order.Size.IsZero() {
		remainingOrderMargin = units.MulDiv(order.Margin, remainingOrderSize, order.Size)
		amountToReturn = units.Add(amountToReturn, units.MulDiv(order.Margin, executed, order.Size))
	}

	fee := units.Zero()
	if !order.Size.IsZero() {
		trailingFee := units.Zero()
		if isTrailingStop {
			trailingFee = units.MulDivBPS(executed, m.params.TrailingStopFeeBps)
		}
		fee = units.MulDiv(units.Add(order.Fee, trailingFee), executed, order.Size)
	}

	m.updateFunding(order.Asset, order.Market, now)

	pnl, _ := m.GetPnL(order.Asset, order.Market, pos.IsLong, execPrice, pos.AvgPrice, executed, pos.FundingTrackerSnapshot, now)

	executedMargin := units.Zero()
	if !pos.Size.IsZero() {
		executedMargin = units.MulDiv(pos.Margin, executed, pos.Size)
	}

	negExecutedMargin := new(big.Int).Neg(units.ToBig(executedMargin))
	fullClose := false
	if pnl.Cmp(negExecutedMargin) <= 0 {
		pnl = negExecutedMargin
		executedMargin = units.Clone(pos.Margin)
		executed = units.Clone(pos.Size)
		fullClose = true
	}

	m.mu.Lock()
	if !fullClose {
		pos.Margin = units.Sub(pos.Margin, executedMargin)
		pos.Size = units.Sub(pos.Size, executed)
		pos.FundingTrackerSnapshot = m.funding.Current(order.Asset, order.Market)
	}
	m.mu.Unlock()

	m.decrementOI(order.Asset, order.Market, executed, pos.IsLong, now)

	if err := m.riskV.CheckPoolDrawdown(order.Asset, now, pnl, m.poolBalanceHint(order.Asset)); err != nil {
		return DecreaseResult{}, err
	}

	if pnl.Sign() < 0 {
		loss := units.NegAbs(pnl)
		if err := m.poolA.CreditTraderLoss(order.User, order.Asset, order.Market, loss, now); err != nil {
			return DecreaseResult{}, err
		}
		totalLoss := units.Add(loss, fee)
		if totalLoss.Cmp(executedMargin) < 0 {
			amountToReturn = units.Add(amountToReturn, units.Sub(executedMargin, totalLoss))
		}
	} else {
		if err := m.poolA.DebitTraderProfit(order.User, order.Asset, order.Market, units.FromBigClamped(pnl), now); err != nil {
			return DecreaseResult{}, err
		}
		if executedMargin.Cmp(fee) >= 0 {
			amountToReturn = units.Add(amountToReturn, units.Sub(executedMargin, fee))
		}
	}

	if err := m.CreditFee(order.User, order.Asset, order.Market, fee, order.Detail.ExecutionFee, keeper, now); err != nil {
		return DecreaseResult{}, err
	}

	m.mu.Lock()
	if fullClose || pos.Size.IsZero() {
		delete(m.positions, key)
	}
	m.mu.Unlock()

	if err := m.orders.RemoveOrder(orderID); err != nil {
		return DecreaseResult{}, err
	}
	if !amountToReturn.IsZero() {
		if err := m.ledger.TransferOut(order.User, order.Asset, amountToReturn); err != nil {
			return DecreaseResult{}, err
		}
	}

	m.bus.Emit(events.PositionDecreased, now, map[string]string{
		"user": order.User.String(), "asset": order.Asset.String(), "market": order.Market.String(),
		"executed": executed.String(), "pnl": pnl.String(),
	})

	if remainingOrderSize.Sign() > 0 && !order.Detail.ReduceOnly {
		flip := model.Order{
			ID: 0, User: order.User, Asset: order.Asset, Market: order.Market,
			IsLong: !pos.IsLong, Margin: remainingOrderMargin, Size: remainingOrderSize,
			Fee: units.Zero(), Timestamp: now,
			Detail: model.OrderDetail{Kind: model.OrderMarket},
		}
		if err := m.increasePositionCore(flip, execPrice, keeper, now); err != nil {
			return DecreaseResult{AmountToReturn: amountToReturn}, err
		}
	}

	return DecreaseResult{AmountToReturn: amountToReturn}, nil
}

// poolBalanceHint returns the pool balance the risk validator should
// measure drawdown against. PoolAdapter does not expose raw balance
// reads (it is a write-only slice of LiquidityPool by design), so the
// engine wiring supplies a BalanceReader alongside PoolAdapter; until
// that is linked this returns zero, which only tightens the drawdown
// check rather than loosening it.
func (m *Manager) poolBalanceHint(asset model.AssetID) *uint256.Int {
	if m.balanceReader == nil {
		return units.Zero()
	}
	return m.balanceReader.PoolBalance(asset)
}
