package pool

import (
	"math/big"
	"strconv"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/units"
)

// ExecResult is the per-order outcome of a liquidity ExecuteOrders batch,
// mirroring the spec's (status, reason) convention.
type ExecResult struct {
	OrderID uint32
	OK      bool
	Reason  string
}

// Submit registers a new deposit or withdrawal LiquidityOrder, pulling
// the execution fee (and, for deposits, the deposit amount) into engine
// custody. Native-asset deposits combine the amount and fee into a
// single ledger transfer, matching the custody bookkeeping the spec
// requires for a clean single-transfer refund on cancellation.
func (p *Pool) Submit(user model.Address, asset model.AssetID, kind model.LiquidityOrderKind, amount, minAmountAfterTax, executionFee *uint256.Int, now int64) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.get(asset); err != nil {
		return 0, err
	}

	if kind == model.LiquidityDeposit {
		if asset == model.NativeAsset {
			combined := units.Add(amount, executionFee)
			if err := p.ledger.TransferIn(user, asset, combined); err != nil {
				return 0, err
			}
		} else {
			if err := p.ledger.TransferIn(user, asset, amount); err != nil {
				return 0, err
			}
			if err := p.ledger.TransferIn(user, model.NativeAsset, executionFee); err != nil {
				return 0, err
			}
		}
	} else {
		if err := p.ledger.TransferIn(user, model.NativeAsset, executionFee); err != nil {
			return 0, err
		}
	}

	p.nextOrderID++
	id := p.nextOrderID
	order := &model.LiquidityOrder{
		ID:                id,
		User:              user,
		Asset:             asset,
		Kind:              kind,
		Amount:            units.Clone(amount),
		MinAmountAfterTax: units.Clone(minAmountAfterTax),
		Timestamp:         now,
		ExecutionFee:      units.Clone(executionFee),
	}
	p.orders[id] = order

	p.bus.Emit(events.OrderCreated, now, map[string]string{
		"liquidity_order_id": orderIDString(id), "user": user.String(), "asset": asset.String(),
	})
	return id, nil
}

// Cancel removes a pending LiquidityOrder and refunds its escrow: the
// deposit amount (if any) to the owner, and the execution fee to
// feeReceiver — combined into one native transfer when they coincide and
// the asset is native, preserving the original combined-escrow transfer.
func (p *Pool) Cancel(orderID uint32, reason string, feeReceiver model.Address, now int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelLocked(orderID, reason, feeReceiver, now)
}

func (p *Pool) cancelLocked(orderID uint32, reason string, feeReceiver model.Address, now int64) error {
	order, ok := p.orders[orderID]
	if !ok {
		return model.ErrLiquidityOrderNotFound
	}
	delete(p.orders, orderID)

	if order.Kind == model.LiquidityDeposit && order.Asset == model.NativeAsset && feeReceiver == order.User {
		combined := units.Add(order.Amount, order.ExecutionFee)
		_ = p.ledger.TransferOut(order.User, order.Asset, combined)
	} else {
		if order.Kind == model.LiquidityDeposit {
			_ = p.ledger.TransferOut(order.User, order.Asset, order.Amount)
		}
		_ = p.ledger.TransferOut(feeReceiver, model.NativeAsset, order.ExecutionFee)
	}

	p.bus.Emit(events.OrderCancelled, now, map[string]string{
		"liquidity_order_id": orderIDString(orderID), "reason": reason,
	})
	return nil
}

// ExecuteOrders applies keeper-supplied global UPLs for the given assets,
// streams each affected asset's buffer, then attempts to execute each
// order id in order. Orders that fail are cancelled with the failure
// reason; the batch never aborts as a whole.
func (p *Pool) ExecuteOrders(ids []uint32, assets []model.AssetID, upls []*big.Int, now int64, keeper model.Address) []ExecResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, asset := range assets {
		s, err := p.get(asset)
		if err != nil {
			continue
		}
		s.GlobalUPL = new(big.Int).Set(upls[i])
		p.streamBufferToPoolLocked(asset, s, now)
		p.bus.Emit(events.GlobalUPLSet, now, map[string]string{
			"asset": asset.String(), "upl": upls[i].String(),
		})
	}

	results := make([]ExecResult, 0, len(ids))
	for _, id := range ids {
		ok, reason := p.executeOneLocked(id, keeper, now)
		if !ok {
			_ = p.cancelLocked(id, reason, keeper, now)
		}
		results = append(results, ExecResult{OrderID: id, OK: ok, Reason: reason})
	}
	return results
}

func (p *Pool) executeOneLocked(id uint32, keeper model.Address, now int64) (bool, string) {
	order, ok := p.orders[id]
	if !ok || order.Amount.IsZero() {
		return false, "!order"
	}
	s, err := p.get(order.Asset)
	if err != nil {
		return false, "!order"
	}
	if s.Params.MaxLiquidityOrderTTL > 0 && now > order.Timestamp+s.Params.MaxLiquidityOrderTTL {
		return false, "!expired"
	}

	switch order.Kind {
	case model.LiquidityDeposit:
		if ok, reason := p.executeDepositLocked(order, s); !ok {
			return false, reason
		}
	case model.LiquidityWithdraw:
		if ok, reason := p.executeWithdrawLocked(order, s); !ok {
			return false, reason
		}
	}

	delete(p.orders, id)
	_ = p.ledger.TransferOut(keeper, model.NativeAsset, order.ExecutionFee)
	return true, ""
}

func (p *Pool) executeDepositLocked(order *model.LiquidityOrder, s *State) (bool, string) {
	taxBps := depositTaxBps(s, order.Amount)
	if taxBps >= units.BPS {
		return false, "!tax"
	}
	amountAfterTax := units.MulDivBPS(order.Amount, units.BPS-taxBps)
	if amountAfterTax.Cmp(order.MinAmountAfterTax) < 0 {
		return false, "!min-amount"
	}

	var mintedLP *uint256.Int
	if s.Balance.IsZero() || s.LPSupply.IsZero() {
		mintedLP = units.Clone(amountAfterTax)
	} else {
		mintedLP = units.MulDiv(amountAfterTax, s.LPSupply, s.Balance)
	}

	cur, ok := s.UserLP[order.User]
	if !ok {
		cur = units.Zero()
	}
	s.UserLP[order.User] = units.Add(cur, mintedLP)
	s.LPSupply = units.Add(s.LPSupply, mintedLP)
	s.Balance = units.Add(s.Balance, order.Amount)

	p.bus.Emit(events.PoolDeposit, order.Timestamp, map[string]string{
		"user": order.User.String(), "asset": order.Asset.String(),
		"amount": order.Amount.String(), "lp_minted": mintedLP.String(),
	})
	return true, ""
}

func (p *Pool) executeWithdrawLocked(order *model.LiquidityOrder, s *State) (bool, string) {
	userLP, ok := s.UserLP[order.User]
	if !ok || userLP.IsZero() || s.LPSupply.IsZero() {
		return false, "!zero-amount"
	}
	userBalance := units.MulDiv(userLP, s.Balance, s.LPSupply)
	amt := units.Min(order.Amount, userBalance)
	if amt.IsZero() {
		return false, "!zero-amount"
	}

	utilMult := s.Params.UtilizationMultiplierBps
	if utilMult < units.BPS {
		utilMult = units.BPS
	}
	available := units.SatSub(s.Balance, amt)
	lhs := units.MulDivBPS(available, utilMult)
	assetOI := p.oi.AssetOpenInterest(order.Asset)
	if lhs.Cmp(assetOI) < 0 {
		return false, "!not-available-liquidity"
	}

	taxBps := withdrawalTaxBps(s, amt)
	if taxBps >= units.BPS {
		return false, "!tax"
	}
	amountAfterTax := units.MulDivBPS(amt, units.BPS-taxBps)
	if amountAfterTax.Cmp(order.MinAmountAfterTax) < 0 {
		return false, "!min-amount"
	}

	lpBurn := units.MulDiv(amt, s.LPSupply, s.Balance)
	s.UserLP[order.User] = units.SatSub(userLP, lpBurn)
	s.LPSupply = units.SatSub(s.LPSupply, lpBurn)
	s.Balance = units.Sub(s.Balance, amountAfterTax)

	if err := p.ledger.TransferOut(order.User, order.Asset, amountAfterTax); err != nil {
		return false, "!transfer"
	}

	p.bus.Emit(events.PoolWithdrawal, order.Timestamp, map[string]string{
		"user": order.User.String(), "asset": order.Asset.String(),
		"amount": amountAfterTax.String(), "lp_burned": lpBurn.String(),
	})
	return true, ""
}

func orderIDString(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
