package position

import (
	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/units"
)

// AddMargin pulls extra collateral into an existing position. Leverage
// (size/margin, in UNITs) must remain at least 1 after the top-up.
func (m *Manager) AddMargin(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error {
	key := model.PositionKey{User: user, Asset: asset, Market: market}
	m.mu.Lock()
	pos, ok := m.positions[key]
	m.mu.Unlock()
	if !ok {
		return model.ErrPositionNotFound
	}
	if err := m.ledger.TransferIn(user, asset, amount); err != nil {
		return err
	}

	m.mu.Lock()
	newMargin := units.Add(pos.Margin, amount)
	leverageUnit := units.MulDiv(pos.Size, units.UnitInt, newMargin)
	if leverageUnit.Cmp(units.UnitInt) < 0 {
		m.mu.Unlock()
		return model.ErrInvalidParameter
	}
	pos.Margin = newMargin
	m.mu.Unlock()

	m.bus.Emit(events.MarginIncreased, now, map[string]string{
		"user": user.String(), "asset": asset.String(), "market": market.String(), "amount": amount.String(),
	})
	return nil
}

// RemoveMargin withdraws collateral from an existing position, subject
// to the resulting leverage staying within the market's max, and — if
// the position is currently underwater — requiring the remaining margin
// to still cover the loss with the governance-configured buffer.
func (m *Manager) RemoveMargin(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error {
	key := model.PositionKey{User: user, Asset: asset, Market: market}
	m.mu.Lock()
	pos, ok := m.positions[key]
	m.mu.Unlock()
	if !ok {
		return model.ErrPositionNotFound
	}
	if pos.Margin.Cmp(amount) <= 0 {
		return model.ErrInvalidParameter
	}
	remainingMargin := units.Sub(pos.Margin, amount)

	mkt, ok := m.registry.GetMarket(market)
	if !ok {
		return model.ErrMarketNotFound
	}
	leverageUnit := units.MulDiv(pos.Size, units.UnitInt, remainingMargin)
	maxLeverageUnit := units.MulDiv(units.New(mkt.MaxLeverage), units.UnitInt, units.New(1))
	if leverageUnit.Cmp(maxLeverageUnit) > 0 {
		return model.ErrMaxLeverageExceeded
	}

	refPrice, ok := m.refFeed.GetReference(asset)
	if !ok || refPrice.IsZero() {
		return model.ErrStaleOraclePrice
	}

	pnl, _ := m.GetPnL(asset, market, pos.IsLong, refPrice, pos.AvgPrice, pos.Size, pos.FundingTrackerSnapshot, now)
	if pnl.Sign() < 0 {
		loss := units.NegAbs(pnl)
		bound := units.MulDivBPS(remainingMargin, units.BPS-m.params.RemoveMarginBufferBps)
		if loss.Cmp(bound) >= 0 {
			return model.ErrInvalidParameter
		}
	}

	if err := m.ledger.TransferOut(user, asset, amount); err != nil {
		return err
	}

	m.mu.Lock()
	pos.Margin = remainingMargin
	m.mu.Unlock()

	m.bus.Emit(events.MarginDecreased, now, map[string]string{
		"user": user.String(), "asset": asset.String(), "market": market.String(), "amount": amount.String(),
	})
	return nil
}

// Liquidate forcibly closes an underwater position at a keeper-supplied,
// oracle-biased price. Called by the ExecutionEngine once it has verified
// the price is fresh, non-zero, and within the reference bound.
func (m *Manager) Liquidate(user model.Address, asset model.AssetID, market model.MarketID, price *uint256.Int, liqThresholdBps, feeBps, liquidationFeeBps uint64, keeper model.Address, now int64) error {
	key := model.PositionKey{User: user, Asset: asset, Market: market}
	m.mu.Lock()
	pos, ok := m.positions[key]
	m.mu.Unlock()
	if !ok {
		return model.ErrPositionNotFound
	}

	m.updateFunding(asset, market, now)

	pnl, _ := m.GetPnL(asset, market, pos.IsLong, price, pos.AvgPrice, pos.Size, pos.FundingTrackerSnapshot, now)
	threshold := units.ToBig(units.MulDivBPS(pos.Margin, liqThresholdBps))
	negThreshold := threshold.Neg(threshold)
	if pnl.Cmp(negThreshold) > 0 {
		return model.ErrTriggerConditionNotMet
	}

	fee := units.MulDivBPS(pos.Size, feeBps+liquidationFeeBps)
	toPool := units.SatSub(pos.Margin, fee)

	if err := m.poolA.CreditTraderLoss(user, asset, market, toPool, now); err != nil {
		return err
	}
	if err := m.CreditFee(user, asset, market, fee, units.Zero(), keeper, now); err != nil {
		return err
	}

	m.decrementOI(asset, market, pos.Size, pos.IsLong, now)

	m.mu.Lock()
	delete(m.positions, key)
	m.mu.Unlock()

	m.bus.Emit(events.PositionLiquidated, now, map[string]string{
		"user": user.String(), "asset": asset.String(), "market": market.String(),
		"margin": pos.Margin.String(), "pnl": pnl.String(),
	})
	return nil
}
