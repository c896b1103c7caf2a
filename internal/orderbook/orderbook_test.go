package orderbook

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/units"
)

const (
	testAsset  = "A0"
	testMarket = "ETH-USD"
)

type fakePositions struct {
	positions map[model.PositionKey]model.Position
}

func (f *fakePositions) GetPosition(key model.PositionKey) (model.Position, bool) {
	p, ok := f.positions[key]
	return p, ok
}

func newTestBook(t *testing.T) (*Book, *capability.MemoryLedger, model.AssetID, model.MarketID) {
	t.Helper()
	asset := model.AssetIDFromString(testAsset)
	market := model.MarketIDFromString(testMarket)

	reg := registry.New()
	require.NoError(t, reg.SetAsset(model.Asset{ID: asset, MinSize: units.New(10)}))
	require.NoError(t, reg.SetMarket(model.Market{
		ID: market, MaxLeverage: 10, FeeBps: 10, LiqThresholdBps: 8000, OracleMaxAgeS: 30,
	}))

	ledger := capability.NewMemoryLedger()
	bus := events.NewBus()
	book := New(ledger, reg, bus, nil, Params{MaxMarketOrderTTL: 120, MaxTriggerOrderTTL: 86400})
	return book, ledger, asset, market
}

func basicSubmit(sender model.Address, asset model.AssetID, market model.MarketID, margin, size *uint256.Int) SubmitParams {
	return SubmitParams{
		Sender: sender, User: sender, Asset: asset, Market: market,
		IsLong: true, Margin: margin, Size: size,
		Detail: model.OrderDetail{Kind: model.OrderMarket, ExecutionFee: units.Zero()},
	}
}

func TestSubmit_RejectsUnapprovedSender(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	ledger.Credit(alice, asset, units.New(100_000))

	_, err := book.Submit(basicSubmit(alice, asset, market, units.New(1_000), units.New(100)), 1000)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestSubmit_EscrowsMarginAndFee(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	ledger.Credit(alice, asset, units.New(100_000))

	id, err := book.Submit(basicSubmit(alice, asset, market, units.New(1_000), units.New(100)), 1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	// margin 1000 + fee (10bps of size 100 = 0) escrowed
	assert.Equal(t, units.New(99_000).String(), ledger.FreeBalance(alice, asset).String())

	order, ok := book.GetOrder(id)
	require.True(t, ok)
	assert.Equal(t, alice, order.User)
	assert.Equal(t, units.New(100).String(), order.Size.String())
}

func TestSubmit_RejectsBelowMinSize(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	ledger.Credit(alice, asset, units.New(100_000))

	_, err := book.Submit(basicSubmit(alice, asset, market, units.New(100), units.New(1)), 1000)
	assert.ErrorIs(t, err, model.ErrBelowMinSize)
}

func TestSubmit_RejectsOverLeverage(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	ledger.Credit(alice, asset, units.New(1_000_000))

	// market MaxLeverage is 10; size/margin = 1_000_000/10_000 = 100x
	_, err := book.Submit(basicSubmit(alice, asset, market, units.New(10_000), units.New(1_000_000)), 1000)
	assert.ErrorIs(t, err, model.ErrMaxLeverageExceeded)
}

func TestSubmit_ReduceOnlyRequiresExistingOppositePosition(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	ledger.Credit(alice, asset, units.New(100_000))

	params := basicSubmit(alice, asset, market, units.New(1_000), units.New(100))
	params.Detail.ReduceOnly = true

	_, err := book.Submit(params, 1000)
	assert.ErrorIs(t, err, model.ErrPositionNotFound)

	book.Link(&fakePositions{positions: map[model.PositionKey]model.Position{
		{User: alice, Asset: asset, Market: market}: {IsLong: true, Size: units.New(50)},
	}})

	// reduce-only long against an existing long position is still wrong-side
	_, err = book.Submit(params, 1000)
	assert.ErrorIs(t, err, model.ErrReduceOnlyViolation)
}

func TestSubmit_TriggerOrderRequiresTriggerPrice(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	ledger.Credit(alice, asset, units.New(100_000))

	params := basicSubmit(alice, asset, market, units.New(1_000), units.New(100))
	params.Detail.Kind = model.OrderLimit

	_, err := book.Submit(params, 1000)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
}

func TestCancel_RefundsMarginAndFee(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	ledger.Credit(alice, asset, units.New(100_000))

	id, err := book.Submit(basicSubmit(alice, asset, market, units.New(1_000), units.New(100)), 1000)
	require.NoError(t, err)
	require.NoError(t, book.Cancel(id, alice, 1001))

	assert.Equal(t, units.New(100_000).String(), ledger.FreeBalance(alice, asset).String())
	_, ok := book.GetOrder(id)
	assert.False(t, ok)
}

func TestCancel_RejectsNonOwner(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	ledger.Credit(alice, asset, units.New(100_000))

	id, err := book.Submit(basicSubmit(alice, asset, market, units.New(1_000), units.New(100)), 1000)
	require.NoError(t, err)

	err = book.Cancel(id, keeper, 1001)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestSubmit_RejectsWhenPaused(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	book.SetPaused(true)
	ledger.Credit(alice, asset, units.New(100_000))

	_, err := book.Submit(basicSubmit(alice, asset, market, units.New(1_000), units.New(100)), 1000)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
}

func TestSubmit_BuildsCrossLinkedTakeProfitAndStopLoss(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	ledger.Credit(alice, asset, units.New(100_000))

	params := basicSubmit(alice, asset, market, units.New(1_000), units.New(100))
	params.TPPrice = units.New(2_000)
	params.SLPrice = units.New(900)

	mainID, err := book.Submit(params, 1000)
	require.NoError(t, err)

	main, ok := book.GetOrder(mainID)
	require.True(t, ok)
	assert.False(t, main.Detail.ReduceOnly)

	tp, ok := book.GetOrder(mainID + 1)
	require.True(t, ok)
	sl, ok := book.GetOrder(mainID + 2)
	require.True(t, ok)

	assert.Equal(t, model.OrderLimit, tp.Detail.Kind)
	assert.True(t, tp.Detail.ReduceOnly)
	assert.False(t, tp.IsLong)
	assert.Equal(t, sl.ID, tp.Detail.CancelOnExecuteID)

	assert.Equal(t, model.OrderStop, sl.Detail.Kind)
	assert.True(t, sl.Detail.ReduceOnly)
	assert.Equal(t, tp.ID, sl.Detail.CancelOnExecuteID)

	// neither leg pulled margin: only the main order's escrow left alice's balance
	assert.Equal(t, units.New(99_000).String(), ledger.FreeBalance(alice, asset).String())
}

func TestSubmit_RejectsMisorderedTakeProfitStopLoss(t *testing.T) {
	book, ledger, asset, market := newTestBook(t)
	book.Approve(alice)
	ledger.Credit(alice, asset, units.New(100_000))

	params := basicSubmit(alice, asset, market, units.New(1_000), units.New(100))
	params.TPPrice = units.New(900)
	params.SLPrice = units.New(2_000)

	_, err := book.Submit(params, 1000)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
}

var alice = model.AddressFromBytes([]byte{1})
var keeper = model.AddressFromBytes([]byte{0xFE})
