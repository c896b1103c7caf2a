package position

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/units"
)

type fakePool struct {
	losses  map[string]*uint256.Int
	profits map[string]*uint256.Int
	shares  *uint256.Int
	reserve *uint256.Int
}

func newFakePool() *fakePool {
	return &fakePool{
		losses: make(map[string]*uint256.Int), profits: make(map[string]*uint256.Int),
		shares: units.Zero(), reserve: units.Zero(),
	}
}

func (p *fakePool) CreditTraderLoss(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error {
	p.losses[user.String()] = units.Add(units.ZeroOr(p.losses[user.String()]), amount)
	return nil
}
func (p *fakePool) DebitTraderProfit(user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, now int64) error {
	p.profits[user.String()] = units.Add(units.ZeroOr(p.profits[user.String()]), amount)
	return nil
}
func (p *fakePool) CreditFeeShares(asset model.AssetID, amount *uint256.Int) error {
	p.shares = units.Add(p.shares, amount)
	return nil
}
func (p *fakePool) CreditFeeReserve(asset model.AssetID, amount *uint256.Int) error {
	p.reserve = units.Add(p.reserve, amount)
	return nil
}
func (p *fakePool) PoolBalance(asset model.AssetID) *uint256.Int { return units.New(1_000_000) }

type fakeOrders struct {
	orders map[uint32]model.Order
}

func newFakeOrders() *fakeOrders { return &fakeOrders{orders: make(map[uint32]model.Order)} }

func (f *fakeOrders) GetOrder(id uint32) (model.Order, bool) {
	o, ok := f.orders[id]
	return o, ok
}
func (f *fakeOrders) RemoveOrder(id uint32) error {
	delete(f.orders, id)
	return nil
}

const (
	testAsset  = "A0"
	testMarket = "ETH-USD"
	feeBps     = 10 // 0.1%
)

func newTestManager(t *testing.T) (*Manager, *fakeOrders, *fakePool) {
	t.Helper()
	asset := model.AssetIDFromString(testAsset)
	market := model.MarketIDFromString(testMarket)

	reg := registry.New()
	require.NoError(t, reg.SetAsset(model.Asset{ID: asset, MinSize: units.New(1)}))
	require.NoError(t, reg.SetMarket(model.Market{
		ID: market, MaxLeverage: 50, FeeBps: feeBps, LiqThresholdBps: 8000,
		FundingFactorBps: 0, FundingIntervalS: 3600, OracleMaxAgeS: 30,
	}))

	riskV := risk.New()
	riskV.SetProfitLimitBps(asset, 10_000)
	pool := newFakePool()
	ledger := capability.NewMemoryLedger()
	refFeed := capability.NewMemoryReferencePriceFeed()
	bus := events.NewBus()
	orders := newFakeOrders()

	mgr := New(riskV, pool, ledger, refFeed, nil, bus, reg, FeeParams{
		KeeperFeeShareBps: 0, PoolFeeShareBps: 10_000, RemoveMarginBufferBps: 1000,
		MinPositionHoldTimeS: 0, TrailingStopFeeBps: 0, LiquidationFeeBps: 0,
	})
	tracker := funding.New(mgr)
	mgr.LinkFunding(tracker)
	mgr.LinkOrderBook(orders)
	mgr.LinkBalanceReader(pool)

	return mgr, orders, pool
}

func testOrder(id uint32, user model.Address, isLong bool, margin, size *uint256.Int, now int64) model.Order {
	asset := model.AssetIDFromString(testAsset)
	market := model.MarketIDFromString(testMarket)
	return model.Order{
		ID: id, User: user, Asset: asset, Market: market, IsLong: isLong,
		Margin: margin, Size: size, Fee: units.MulDivBPS(size, feeBps), Timestamp: now,
		Detail: model.OrderDetail{Kind: model.OrderMarket, ExecutionFee: units.Zero()},
	}
}

var alice = model.AddressFromBytes([]byte{1})
var keeper = model.AddressFromBytes([]byte{0xFE})

// TestOpenCloseRoundTrip pins a no-funding open/close round trip: a 2%
// favorable price move on a 100,000-size long yields pnl=2000, and the
// 10bps fee on that same size is 100 on both legs.
func TestOpenCloseRoundTrip(t *testing.T) {
	mgr, orders, pool := newTestManager(t)
	asset := model.AssetIDFromString(testAsset)
	market := model.MarketIDFromString(testMarket)

	openOrder := testOrder(1, alice, true, units.New(10_000), units.New(100_000), 1000)
	orders.orders[1] = openOrder

	require.NoError(t, mgr.IncreasePosition(1, units.New(1000), keeper, 1000))

	pos, ok := mgr.GetPosition(model.PositionKey{User: alice, Asset: asset, Market: market})
	require.True(t, ok)
	assert.Equal(t, units.New(100_000).String(), pos.Size.String())
	assert.Equal(t, units.New(10_000).String(), pos.Margin.String())
	assert.Equal(t, units.New(1000).String(), pos.AvgPrice.String())
	assert.Equal(t, units.New(100).String(), pool.shares.String())

	closeOrder := testOrder(2, alice, false, units.Zero(), units.New(100_000), 1000)
	orders.orders[2] = closeOrder

	result, err := mgr.DecreasePosition(2, units.New(1020), false, keeper, 2000)
	require.NoError(t, err)

	// the margin returned through the position path is margin(10000) -
	// fee(100) = 9900; the pnl(2000) profit is paid separately by the
	// pool's DebitTraderProfit straight to the user's ledger balance.
	assert.Equal(t, units.New(9_900).String(), result.AmountToReturn.String())
	assert.Equal(t, units.New(2_000).String(), pool.profits[alice.String()].String())
	assert.Equal(t, units.New(200).String(), pool.shares.String())

	_, ok = mgr.GetPosition(model.PositionKey{User: alice, Asset: asset, Market: market})
	assert.False(t, ok)
	_, ok = orders.GetOrder(2)
	assert.False(t, ok)
}

// TestLiquidate_AtThreshold pins the liquidation boundary: a loss exactly
// equal to liqThresholdBps*margin is liquidatable (the check rejects only
// when the loss is strictly smaller than the threshold).
func TestLiquidate_AtThreshold(t *testing.T) {
	mgr, orders, pool := newTestManager(t)
	asset := model.AssetIDFromString(testAsset)
	market := model.MarketIDFromString(testMarket)

	openOrder := testOrder(1, alice, true, units.New(10_000), units.New(100_000), 1000)
	orders.orders[1] = openOrder
	require.NoError(t, mgr.IncreasePosition(1, units.New(1000), keeper, 1000))

	// price falls 8% from avgPrice=1000 -> 920, pnl = 100000*(920-1000)/1000 = -8000 = -80% of margin
	err := mgr.Liquidate(alice, asset, market, units.New(920), 8000, feeBps, 0, keeper, 5000)
	require.NoError(t, err)

	_, ok := mgr.GetPosition(model.PositionKey{User: alice, Asset: asset, Market: market})
	assert.False(t, ok)
	assert.False(t, pool.losses[alice.String()].IsZero())
}

// TestLiquidate_AboveThreshold rejects liquidation when the loss is
// strictly below the configured threshold.
func TestLiquidate_AboveThreshold(t *testing.T) {
	mgr, orders, _ := newTestManager(t)
	asset := model.AssetIDFromString(testAsset)
	market := model.MarketIDFromString(testMarket)

	openOrder := testOrder(1, alice, true, units.New(10_000), units.New(100_000), 1000)
	orders.orders[1] = openOrder
	require.NoError(t, mgr.IncreasePosition(1, units.New(1000), keeper, 1000))

	// price falls only 5%: pnl = -5000, below the 8000 threshold
	err := mgr.Liquidate(alice, asset, market, units.New(950), 8000, feeBps, 0, keeper, 5000)
	assert.ErrorIs(t, err, model.ErrTriggerConditionNotMet)
}

func TestAddRemoveMargin(t *testing.T) {
	mgr, orders, _ := newTestManager(t)
	asset := model.AssetIDFromString(testAsset)
	market := model.MarketIDFromString(testMarket)

	openOrder := testOrder(1, alice, true, units.New(10_000), units.New(100_000), 1000)
	orders.orders[1] = openOrder
	require.NoError(t, mgr.IncreasePosition(1, units.New(1000), keeper, 1000))

	ledger := capability.NewMemoryLedger()
	mgr.ledger = ledger
	ledger.Credit(alice, asset, units.New(5_000))

	require.NoError(t, mgr.AddMargin(alice, asset, market, units.New(5_000), 1500))
	pos, _ := mgr.GetPosition(model.PositionKey{User: alice, Asset: asset, Market: market})
	assert.Equal(t, units.New(15_000).String(), pos.Margin.String())

	mgr.refFeed.(*capability.MemoryReferencePriceFeed).Set(asset, units.New(1000))
	require.NoError(t, mgr.RemoveMargin(alice, asset, market, units.New(3_000), 2000))
	pos, _ = mgr.GetPosition(model.PositionKey{User: alice, Asset: asset, Market: market})
	assert.Equal(t, units.New(12_000).String(), pos.Margin.String())
}

func TestGetPnL_ZeroInputsAreSafe(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	pnl, fee := mgr.GetPnL(model.AssetIDFromString(testAsset), model.MarketIDFromString(testMarket),
		true, units.Zero(), units.Zero(), units.Zero(), new(big.Int), 0)
	assert.Equal(t, int64(0), pnl.Int64())
	assert.Equal(t, int64(0), fee.Int64())
}
