package orderbook

import (
	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/units"
)

// maxTrailingStopBps caps a trailing-stop leg's percentage at 20%.
const maxTrailingStopBps = 2_000

// SubmitParams describes the trader-supplied fields of a new order. ID,
// Timestamp, and Fee are filled in by the engine, not the caller.
//
// TPPrice, SLPrice, and SLTrailingStopBps describe up to two auxiliary
// reduce-only orders built alongside the main order — a take-profit and
// a stop-loss leg — cross-linked via CancelOnExecuteID so that filling
// either cancels the other (OCO). SLTrailingStopBps, if set, builds the
// stop-loss leg as a trailing stop instead of a plain stop.
type SubmitParams struct {
	Sender   model.Address
	User     model.Address
	Asset    model.AssetID
	Market   model.MarketID
	IsLong   bool
	Margin   *uint256.Int
	Size     *uint256.Int
	Detail   model.OrderDetail
	Referral model.ReferralCode

	TPPrice           *uint256.Int
	SLPrice           *uint256.Int
	SLTrailingStopBps uint64
}

func (p SubmitParams) hasAuxiliaryLegs() bool {
	return (p.TPPrice != nil && !p.TPPrice.IsZero()) || (p.SLPrice != nil && !p.SLPrice.IsZero()) || p.SLTrailingStopBps > 0
}

// Submit validates and stores a new order, pulling its margin and fee
// into escrow (reduce-only orders pull nothing — the fee is later taken
// out of the position's margin in DecreasePosition), and implements the
// submission invariants: the sender gate, reduce-only/trailing-stop's
// existing-opposite-position requirement, trigger price presence for
// non-market kinds, expiry bounds, and the OCO link. Fee, leverage cap,
// and minimum size come from the market/asset registry, not the caller.
//
// If TPPrice, SLPrice, or SLTrailingStopBps are set, Submit also builds
// the paired take-profit and stop-loss auxiliary orders described above,
// and forces the main order's ReduceOnly false: a position carrying a
// bracket is opening exposure, never reducing it.
func (b *Book) Submit(p SubmitParams, now int64) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.areNewOrdersPaused {
		return 0, model.ErrInvalidParameter
	}
	if p.Sender != p.User && !b.whitelistedFundingAccounts[p.Sender] {
		return 0, model.ErrUnauthorized
	}
	if !b.isApproved(p.Sender) {
		return 0, model.ErrUnauthorized
	}
	if p.Margin == nil || p.Size == nil || p.Size.IsZero() {
		return 0, model.ErrInvalidParameter
	}

	if p.hasAuxiliaryLegs() {
		p.Detail.ReduceOnly = false
	}

	mkt, ok := b.registry.GetMarket(p.Market)
	if !ok {
		return 0, model.ErrMarketNotFound
	}
	asset, ok := b.registry.GetAsset(p.Asset)
	if !ok {
		return 0, model.ErrAssetNotFound
	}
	if asset.MinSize != nil && !asset.MinSize.IsZero() && p.Size.Cmp(asset.MinSize) < 0 {
		return 0, model.ErrBelowMinSize
	}
	if mkt.IsReduceOnly && !p.Detail.ReduceOnly {
		return 0, model.ErrReduceOnlyViolation
	}

	if p.Detail.Kind == model.OrderTrailingStop {
		// A trailing stop's trigger floats against the reference price
		// supplied at execution time, not a fixed trigger_price.
		p.Detail.TriggerPrice = units.Zero()
		if p.Detail.TrailingStopBps == 0 || p.Detail.TrailingStopBps > maxTrailingStopBps {
			return 0, model.ErrInvalidParameter
		}
	} else if p.Detail.Kind != model.OrderMarket {
		if p.Detail.TriggerPrice == nil || p.Detail.TriggerPrice.IsZero() {
			return 0, model.ErrInvalidParameter
		}
	}

	maxTTL := b.params.MaxTriggerOrderTTL
	if p.Detail.Kind == model.OrderMarket {
		maxTTL = b.params.MaxMarketOrderTTL
	}
	if p.Detail.Expiry != 0 {
		if p.Detail.Expiry <= now {
			return 0, model.ErrOrderExpired
		}
		if maxTTL > 0 && p.Detail.Expiry-now > maxTTL {
			return 0, model.ErrInvalidParameter
		}
	}

	requiresOppositePosition := p.Detail.ReduceOnly || p.Detail.Kind == model.OrderTrailingStop
	if requiresOppositePosition {
		if b.positions == nil {
			return 0, model.ErrPositionNotFound
		}
		pos, ok := b.positions.GetPosition(model.PositionKey{User: p.User, Asset: p.Asset, Market: p.Market})
		if !ok || pos.IsLong == p.IsLong || pos.Size.Cmp(p.Size) < 0 {
			return 0, model.ErrReduceOnlyViolation
		}
	} else if mkt.MaxLeverage > 0 {
		leverageUnit := units.MulDiv(p.Size, units.UnitInt, p.Margin)
		maxLeverageUnit := units.MulDiv(units.New(mkt.MaxLeverage), units.UnitInt, units.New(1))
		if leverageUnit.Cmp(maxLeverageUnit) > 0 {
			return 0, model.ErrMaxLeverageExceeded
		}
	}

	if p.Detail.CancelOnExecuteID != 0 {
		linked, ok := b.orders[p.Detail.CancelOnExecuteID]
		if !ok || linked.User != p.User {
			return 0, model.ErrOrderNotFound
		}
	}

	if err := validateAuxiliaryPrices(p); err != nil {
		return 0, err
	}

	fee := units.MulDivBPS(p.Size, mkt.FeeBps)

	if p.Detail.ExecutionFee == nil {
		p.Detail.ExecutionFee = units.Zero()
	}

	// Reduce-only: margin = 0, no ledger pull.
	if !p.Detail.ReduceOnly {
		escrow := units.Add(p.Margin, fee)
		if p.Asset == model.NativeAsset {
			escrow = units.Add(escrow, p.Detail.ExecutionFee)
			if err := b.ledger.TransferIn(p.Sender, p.Asset, escrow); err != nil {
				return 0, err
			}
		} else {
			if err := b.ledger.TransferIn(p.Sender, p.Asset, escrow); err != nil {
				return 0, err
			}
			if !p.Detail.ExecutionFee.IsZero() {
				if err := b.ledger.TransferIn(p.Sender, model.NativeAsset, p.Detail.ExecutionFee); err != nil {
					return 0, err
				}
			}
		}
	} else {
		p.Margin = units.Zero()
	}

	id := b.storeOrder(p.User, p.Asset, p.Market, p.IsLong, p.Margin, p.Size, fee, p.Detail, now)

	if !p.Referral.IsZero() && b.referrals != nil {
		_ = b.referrals.Set(p.User, p.Referral, capability.ReferralInfo{Referrer: referrerFromCode(p.Referral)})
	}

	b.buildAuxiliaryLegs(p, now)

	return id, nil
}

// referrerFromCode derives the referrer address a referral code names:
// its low 20 bytes.
func referrerFromCode(code model.ReferralCode) model.Address {
	return model.AddressFromBytes(code[12:])
}

// validateAuxiliaryPrices enforces take-profit/stop-loss price ordering
// against the main order's own trigger price (skipped for a market
// order, which has none): for a long, tp > trigger > sl; for a short,
// the ordering reversed. When both legs are set, tp/sl are also checked
// against each other regardless of whether a trigger is present.
func validateAuxiliaryPrices(p SubmitParams) error {
	if !p.hasAuxiliaryLegs() {
		return nil
	}
	hasTrigger := p.Detail.TriggerPrice != nil && !p.Detail.TriggerPrice.IsZero() && p.Detail.Kind != model.OrderMarket
	hasTP := p.TPPrice != nil && !p.TPPrice.IsZero()
	hasSLPrice := p.SLPrice != nil && !p.SLPrice.IsZero()

	if p.IsLong {
		if hasTrigger && hasTP && p.TPPrice.Cmp(p.Detail.TriggerPrice) <= 0 {
			return model.ErrInvalidParameter
		}
		if hasTrigger && hasSLPrice && p.SLPrice.Cmp(p.Detail.TriggerPrice) >= 0 {
			return model.ErrInvalidParameter
		}
	} else {
		if hasTrigger && hasTP && p.TPPrice.Cmp(p.Detail.TriggerPrice) >= 0 {
			return model.ErrInvalidParameter
		}
		if hasTrigger && hasSLPrice && p.SLPrice.Cmp(p.Detail.TriggerPrice) <= 0 {
			return model.ErrInvalidParameter
		}
	}
	if hasTP && hasSLPrice {
		if p.IsLong && p.TPPrice.Cmp(p.SLPrice) <= 0 {
			return model.ErrInvalidParameter
		}
		if !p.IsLong && p.TPPrice.Cmp(p.SLPrice) >= 0 {
			return model.ErrInvalidParameter
		}
	}
	return nil
}

// buildAuxiliaryLegs stores up to two reduce-only orders against the
// main order just submitted — a take-profit limit and a stop-loss
// (plain stop or trailing stop) — opposite in direction to the main
// order, cross-linking their CancelOnExecuteID so filling either
// cancels the other. Neither leg pulls escrow: both are reduce-only.
func (b *Book) buildAuxiliaryLegs(p SubmitParams, now int64) {
	if !p.hasAuxiliaryLegs() {
		return
	}

	var tpID, slID uint32
	if p.TPPrice != nil && !p.TPPrice.IsZero() {
		detail := model.OrderDetail{
			Kind: model.OrderLimit, ReduceOnly: true, TriggerPrice: units.Clone(p.TPPrice),
			ExecutionFee: units.Zero(),
		}
		tpID = b.storeOrder(p.User, p.Asset, p.Market, !p.IsLong, units.Zero(), units.Clone(p.Size), units.Zero(), detail, now)
	}
	if (p.SLPrice != nil && !p.SLPrice.IsZero()) || p.SLTrailingStopBps > 0 {
		detail := model.OrderDetail{ReduceOnly: true, ExecutionFee: units.Zero()}
		if p.SLTrailingStopBps > 0 {
			detail.Kind = model.OrderTrailingStop
			detail.TriggerPrice = units.Zero()
			detail.TrailingStopBps = p.SLTrailingStopBps
		} else {
			detail.Kind = model.OrderStop
			detail.TriggerPrice = units.Clone(p.SLPrice)
		}
		slID = b.storeOrder(p.User, p.Asset, p.Market, !p.IsLong, units.Zero(), units.Clone(p.Size), units.Zero(), detail, now)
	}

	if tpID != 0 && slID != 0 {
		b.orders[tpID].Detail.CancelOnExecuteID = slID
		b.orders[slID].Detail.CancelOnExecuteID = tpID
	}
}

// storeOrder assigns the next order id, indexes it, and emits
// OrderCreated. Callers hold b.mu and have already resolved escrow.
func (b *Book) storeOrder(user model.Address, asset model.AssetID, market model.MarketID, isLong bool, margin, size, fee *uint256.Int, detail model.OrderDetail, now int64) uint32 {
	b.nextID++
	id := b.nextID
	order := &model.Order{
		ID: id, User: user, Asset: asset, Market: market,
		IsLong: isLong, Margin: margin, Size: size, Fee: fee,
		Timestamp: now, Detail: detail,
	}
	b.orders[id] = order
	b.index(order)

	b.bus.Emit(events.OrderCreated, now, map[string]string{
		"order_id": orderIDString(id), "user": user.String(), "asset": asset.String(),
		"market": market.String(), "kind": detail.Kind.String(), "size": size.String(),
	})
	return id
}
