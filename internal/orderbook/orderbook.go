// Package orderbook implements the OrderBook (C7): order storage and
// lifecycle, the paired take-profit/stop-loss/trailing-stop auxiliary
// order builder and its OCO cross-linking, approval gating, and
// expiry/reduce-only rules. It holds a PositionReader handle to
// PositionManager — completed via Link once both sides are constructed —
// to check for an existing opposite-direction position on reduce-only and
// trailing-stop submissions, mirroring the cyclic-reference resolution
// the design notes call for.
package orderbook

import (
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/units"
)

// PositionReader is the slice of PositionManager OrderBook needs at
// submission time.
type PositionReader interface {
	GetPosition(key model.PositionKey) (model.Position, bool)
}

// Params are the governance-controlled TTL and pause settings.
type Params struct {
	MaxMarketOrderTTL  int64
	MaxTriggerOrderTTL int64
}

type marketKey struct {
	asset  model.AssetID
	market model.MarketID
}

// Book owns every resting order.
type Book struct {
	mu     sync.Mutex
	orders map[uint32]*model.Order
	nextID uint32

	userOrders      map[model.Address]map[uint32]bool
	marketOrderIDs  map[marketKey]map[uint32]bool
	triggerOrderIDs map[marketKey]map[uint32]bool

	approvedAccounts           map[model.Address]bool
	whitelistedFundingAccounts map[model.Address]bool

	positions PositionReader
	ledger    capability.Ledger
	registry  *registry.Registry
	bus       *events.Bus
	referrals capability.ReferralDirectory
	params    Params

	areNewOrdersPaused bool
}

// New constructs an empty Book. PositionReader is linked later via Link.
// referrals may be nil, in which case submitted referral codes are
// accepted but never recorded.
func New(ledger capability.Ledger, reg *registry.Registry, bus *events.Bus, referrals capability.ReferralDirectory, params Params) *Book {
	return &Book{
		orders:                     make(map[uint32]*model.Order),
		userOrders:                 make(map[model.Address]map[uint32]bool),
		marketOrderIDs:             make(map[marketKey]map[uint32]bool),
		triggerOrderIDs:            make(map[marketKey]map[uint32]bool),
		approvedAccounts:           make(map[model.Address]bool),
		whitelistedFundingAccounts: make(map[model.Address]bool),
		ledger:                     ledger,
		registry:                   reg,
		bus:                        bus,
		referrals:                  referrals,
		params:                     params,
	}
}

// Link completes the OrderBook<->PositionManager cycle.
func (b *Book) Link(positions PositionReader) { b.positions = positions }

// SetPaused toggles are_new_orders_paused.
func (b *Book) SetPaused(paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.areNewOrdersPaused = paused
}

// SetWhitelistedFundingAccount marks an account as permitted to submit
// orders on behalf of another user.
func (b *Book) SetWhitelistedFundingAccount(addr model.Address, allowed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.whitelistedFundingAccounts[addr] = allowed
}

// Approve marks sender as having passed the signature gate, equivalent
// to "once signed, the sender is added to approved_accounts".
func (b *Book) Approve(sender model.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approvedAccounts[sender] = true
}

func (b *Book) isApproved(sender model.Address) bool {
	return b.approvedAccounts[sender]
}

// GetOrder implements position.OrderStore.
func (b *Book) GetOrder(id uint32) (model.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// ListOpenOrders returns a snapshot of a user's resting orders.
func (b *Book) ListOpenOrders(user model.Address) []model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Order, 0, len(b.userOrders[user]))
	for id := range b.userOrders[user] {
		out = append(out, *b.orders[id])
	}
	return out
}

// RemoveOrder implements position.OrderStore: drops an order from every
// index without refunding anything (the caller — PositionManager on
// execution — has already consumed its escrow).
func (b *Book) RemoveOrder(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Book) removeLocked(id uint32) error {
	o, ok := b.orders[id]
	if !ok {
		return model.ErrOrderNotFound
	}
	delete(b.orders, id)
	delete(b.userOrders[o.User], id)
	k := marketKey{o.Asset, o.Market}
	if o.Detail.Kind == model.OrderMarket {
		delete(b.marketOrderIDs[k], id)
	} else {
		delete(b.triggerOrderIDs[k], id)
	}
	return nil
}

func (b *Book) index(order *model.Order) {
	if b.userOrders[order.User] == nil {
		b.userOrders[order.User] = make(map[uint32]bool)
	}
	b.userOrders[order.User][order.ID] = true

	k := marketKey{order.Asset, order.Market}
	if order.Detail.Kind == model.OrderMarket {
		if b.marketOrderIDs[k] == nil {
			b.marketOrderIDs[k] = make(map[uint32]bool)
		}
		b.marketOrderIDs[k][order.ID] = true
	} else {
		if b.triggerOrderIDs[k] == nil {
			b.triggerOrderIDs[k] = make(map[uint32]bool)
		}
		b.triggerOrderIDs[k][order.ID] = true
	}
}

// Cancel removes an order at its owner's request.
func (b *Book) Cancel(id uint32, owner model.Address, now int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return model.ErrOrderNotFound
	}
	if o.User != owner {
		return model.ErrUnauthorized
	}
	return b.cancelLocked(id, "!user-cancel", owner, now)
}

// CancelWithReason removes an order on the ExecutionEngine's behalf
// (expiry, OCO, protected-market rejection, ...), paying the execution
// fee to feeReceiver.
func (b *Book) CancelWithReason(id uint32, reason string, feeReceiver model.Address, now int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelLocked(id, reason, feeReceiver, now)
}

func (b *Book) cancelLocked(id uint32, reason string, feeReceiver model.Address, now int64) error {
	o, ok := b.orders[id]
	if !ok {
		return model.ErrOrderNotFound
	}
	if err := b.removeLocked(id); err != nil {
		return err
	}

	// Reduce-only orders never pulled margin, fee, or execution fee into
	// escrow at submission (Submit), so cancelling one refunds nothing.
	if !o.Detail.ReduceOnly {
		refund := units.Add(o.Margin, o.Fee)
		if o.Asset == model.NativeAsset && feeReceiver == o.User {
			refund = units.Add(refund, o.Detail.ExecutionFee)
			_ = b.ledger.TransferOut(o.User, o.Asset, refund)
		} else {
			_ = b.ledger.TransferOut(o.User, o.Asset, refund)
			if feeReceiver != o.User {
				_ = b.ledger.TransferOut(feeReceiver, model.NativeAsset, o.Detail.ExecutionFee)
			}
		}
	}

	b.bus.Emit(events.OrderCancelled, now, map[string]string{
		"order_id": orderIDString(id), "reason": reason,
	})
	return nil
}

func orderIDString(id uint32) string { return uint256.NewInt(uint64(id)).String() }
