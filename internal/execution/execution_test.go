package execution

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/units"
)

const (
	testAsset  = "A0"
	testMarket = "ETH-USD"
)

var alice = model.AddressFromBytes([]byte{1})
var keeper = model.AddressFromBytes([]byte{0xFE})

type fakePositions struct {
	positions  map[model.PositionKey]model.Position
	increased  []uint32
	decreased  []uint32
	liquidated []model.PositionKey
}

func newFakePositions() *fakePositions {
	return &fakePositions{positions: make(map[model.PositionKey]model.Position)}
}

func (f *fakePositions) IncreasePosition(orderID uint32, execPrice *uint256.Int, keeper model.Address, now int64) error {
	f.increased = append(f.increased, orderID)
	return nil
}

func (f *fakePositions) DecreasePosition(orderID uint32, execPrice *uint256.Int, isTrailingStop bool, keeper model.Address, now int64) (position.DecreaseResult, error) {
	f.decreased = append(f.decreased, orderID)
	return position.DecreaseResult{AmountToReturn: units.Zero()}, nil
}

func (f *fakePositions) Liquidate(user model.Address, asset model.AssetID, market model.MarketID, price *uint256.Int, liqThresholdBps, feeBps, liquidationFeeBps uint64, keeper model.Address, now int64) error {
	f.liquidated = append(f.liquidated, model.PositionKey{User: user, Asset: asset, Market: market})
	return nil
}

func (f *fakePositions) GetPosition(key model.PositionKey) (model.Position, bool) {
	p, ok := f.positions[key]
	return p, ok
}

type fakeOrders struct {
	orders    map[uint32]model.Order
	cancelled map[uint32]string
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[uint32]model.Order), cancelled: make(map[uint32]string)}
}

func (f *fakeOrders) GetOrder(id uint32) (model.Order, bool) {
	o, ok := f.orders[id]
	return o, ok
}

func (f *fakeOrders) CancelWithReason(id uint32, reason string, feeReceiver model.Address, now int64) error {
	if _, ok := f.orders[id]; !ok {
		return model.ErrOrderNotFound
	}
	delete(f.orders, id)
	f.cancelled[id] = reason
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *capability.MemoryPriceFeed, *capability.MemoryReferencePriceFeed, *fakePositions, *fakeOrders, model.AssetID, model.MarketID) {
	t.Helper()
	asset := model.AssetIDFromString(testAsset)
	market := model.MarketIDFromString(testMarket)

	reg := registry.New()
	require.NoError(t, reg.SetAsset(model.Asset{ID: asset, MinSize: units.New(1)}))
	require.NoError(t, reg.SetMarket(model.Market{
		ID: market, MaxLeverage: 50, FeeBps: 10, LiqThresholdBps: 8000,
		MaxDeviationBps: 500, OracleMaxAgeS: 30, PriceConfThresholdBps: 50, PriceConfMultiplierBps: 200,
	}))

	priceFeed := capability.NewMemoryPriceFeed()
	refFeed := capability.NewMemoryReferencePriceFeed()
	bus := events.NewBus()
	positions := newFakePositions()
	orders := newFakeOrders()

	eng := New(priceFeed, refFeed, reg, positions, orders, bus, 100, 120, 86400)
	return eng, priceFeed, refFeed, positions, orders, asset, market
}

func TestGetOraclePrice_StaleRejected(t *testing.T) {
	eng, priceFeed, _, _, _, _, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(1000), PublishTime: 100})

	_, err := eng.GetOraclePrice(model.AssetIDFromString(testAsset), market, true, 200)
	assert.ErrorIs(t, err, model.ErrStaleOraclePrice)
}

func TestGetOraclePrice_DeviationExceeded(t *testing.T) {
	eng, priceFeed, refFeed, _, _, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(1100), PublishTime: 100})
	refFeed.Set(asset, units.New(1000)) // 10% deviation, bound is 5%

	_, err := eng.GetOraclePrice(asset, market, true, 110)
	assert.ErrorIs(t, err, model.ErrPriceDeviationExceeded)
}

func TestGetOraclePrice_ConfSpreadDisadvantagesTrader(t *testing.T) {
	eng, priceFeed, refFeed, _, _, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(1_000_000), ConfBps: 100, PublishTime: 100})
	refFeed.Set(asset, units.New(1_000_000))

	buyPrice, err := eng.GetOraclePrice(asset, market, true, 110)
	require.NoError(t, err)
	assert.True(t, buyPrice.Cmp(units.New(1_000_000)) > 0, "a buyer should see a price spread upward")

	sellPrice, err := eng.GetOraclePrice(asset, market, false, 110)
	require.NoError(t, err)
	assert.True(t, sellPrice.Cmp(units.New(1_000_000)) < 0, "a seller should see a price spread downward")
}

func TestExecuteOrders_MarketOrderIncreases(t *testing.T) {
	eng, priceFeed, _, positions, orders, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(1000), PublishTime: 100})

	orders.orders[1] = model.Order{
		ID: 1, User: alice, Asset: asset, Market: market, IsLong: true,
		Margin: units.New(1_000), Size: units.New(10_000),
		Detail: model.OrderDetail{Kind: model.OrderMarket},
	}

	results := eng.ExecuteOrders([]uint32{1}, nil, keeper, 110)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Contains(t, positions.increased, uint32(1))
}

func TestExecuteOrders_ExpiredOrderCancelled(t *testing.T) {
	eng, _, _, _, orders, asset, market := newTestEngine(t)
	orders.orders[1] = model.Order{
		ID: 1, User: alice, Asset: asset, Market: market, IsLong: true,
		Margin: units.New(1_000), Size: units.New(10_000),
		Detail: model.OrderDetail{Kind: model.OrderMarket, Expiry: 50},
	}

	results := eng.ExecuteOrders([]uint32{1}, nil, keeper, 100)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "expired", results[0].Reason)
	assert.Equal(t, "!expired", orders.cancelled[1])
}

func TestExecuteOrders_LimitOrderTriggerNotMet(t *testing.T) {
	eng, priceFeed, _, _, orders, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(1000), PublishTime: 100})

	orders.orders[1] = model.Order{
		ID: 1, User: alice, Asset: asset, Market: market, IsLong: true,
		Margin: units.New(1_000), Size: units.New(10_000),
		Detail: model.OrderDetail{Kind: model.OrderLimit, TriggerPrice: units.New(900)},
	}

	results := eng.ExecuteOrders([]uint32{1}, nil, keeper, 110)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "trigger-not-met", results[0].Reason)
}

func TestExecuteOrders_ReduceOnlyDecreasesExistingPosition(t *testing.T) {
	eng, priceFeed, _, positions, orders, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(1000), PublishTime: 100})

	positions.positions[model.PositionKey{User: alice, Asset: asset, Market: market}] = model.Position{
		User: alice, Asset: asset, Market: market, IsLong: true, Size: units.New(10_000),
	}
	orders.orders[1] = model.Order{
		ID: 1, User: alice, Asset: asset, Market: market, IsLong: false,
		Size: units.New(10_000),
		Detail: model.OrderDetail{Kind: model.OrderMarket, ReduceOnly: true},
	}

	results := eng.ExecuteOrders([]uint32{1}, nil, keeper, 110)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Contains(t, positions.decreased, uint32(1))
}

func TestExecuteOrders_ProtectedMarketOrderCancelledOnBadPrice(t *testing.T) {
	eng, priceFeed, _, _, orders, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(1100), PublishTime: 100})

	orders.orders[1] = model.Order{
		ID: 1, User: alice, Asset: asset, Market: market, IsLong: true,
		Margin: units.New(1_000), Size: units.New(10_000),
		Detail: model.OrderDetail{Kind: model.OrderMarket, TriggerPrice: units.New(1000)},
	}

	results := eng.ExecuteOrders([]uint32{1}, nil, keeper, 110)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "!protected", results[0].Reason)
	assert.Equal(t, "!protected", orders.cancelled[1])
}

func TestExecuteOrders_TrailingStopRestsWithoutReferencePrice(t *testing.T) {
	eng, priceFeed, _, _, orders, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(900), PublishTime: 100})

	orders.orders[1] = model.Order{
		ID: 1, User: alice, Asset: asset, Market: market, IsLong: false,
		Margin: units.New(1_000), Size: units.New(10_000),
		Detail: model.OrderDetail{Kind: model.OrderTrailingStop, TrailingStopBps: 500},
	}

	results := eng.ExecuteOrders([]uint32{1}, nil, keeper, 110)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "!ts-no-ref-price", results[0].Reason)
	_, stillResting := orders.orders[1]
	assert.True(t, stillResting)
}

func TestExecuteOrders_TrailingStopFiresPastThreshold(t *testing.T) {
	eng, priceFeed, _, positions, orders, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(940), PublishTime: 100})

	positions.positions[model.PositionKey{User: alice, Asset: asset, Market: market}] = model.Position{
		User: alice, Asset: asset, Market: market, IsLong: true, Size: units.New(10_000),
	}
	orders.orders[1] = model.Order{
		ID: 1, User: alice, Asset: asset, Market: market, IsLong: false,
		Size: units.New(10_000),
		Detail: model.OrderDetail{Kind: model.OrderTrailingStop, TrailingStopBps: 500, ReduceOnly: true},
	}

	// ref 1000, 5% trailing stop: short fires at price <= 950.
	results := eng.ExecuteOrders([]uint32{1}, map[uint32]*uint256.Int{1: units.New(1000)}, keeper, 110)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Contains(t, positions.decreased, uint32(1))
}

func TestExecuteOrders_EarlyOrderLeftResting(t *testing.T) {
	eng, priceFeed, _, _, orders, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(1000), PublishTime: 100})
	require.NoError(t, eng.registry.SetMarket(model.Market{
		ID: market, MaxLeverage: 50, FeeBps: 10, LiqThresholdBps: 8000,
		MaxDeviationBps: 500, OracleMaxAgeS: 30, PriceConfThresholdBps: 50, PriceConfMultiplierBps: 200,
		MinOrderAgeS: 10,
	}))

	orders.orders[1] = model.Order{
		ID: 1, User: alice, Asset: asset, Market: market, IsLong: true,
		Margin: units.New(1_000), Size: units.New(10_000), Timestamp: 105,
		Detail: model.OrderDetail{Kind: model.OrderMarket},
	}

	results := eng.ExecuteOrders([]uint32{1}, nil, keeper, 106)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "!early", results[0].Reason)
	_, stillResting := orders.orders[1]
	assert.True(t, stillResting)
}

func TestExecuteOrders_TooOldOrderCancelled(t *testing.T) {
	eng, priceFeed, _, _, orders, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(1000), PublishTime: 100})

	orders.orders[1] = model.Order{
		ID: 1, User: alice, Asset: asset, Market: market, IsLong: true,
		Margin: units.New(1_000), Size: units.New(10_000), Timestamp: 0,
		Detail: model.OrderDetail{Kind: model.OrderMarket},
	}

	// maxMarketOrderTTL is 120 in newTestEngine; 200 > 120 since last run.
	results := eng.ExecuteOrders([]uint32{1}, nil, keeper, 200)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "too-old", results[0].Reason)
	assert.Equal(t, "!too-old", orders.cancelled[1])
}

func TestLiquidatePositions_RecordsFailureWithoutAbortingBatch(t *testing.T) {
	eng, priceFeed, _, positions, _, asset, market := newTestEngine(t)
	priceFeed.Set(market, capability.PricePoint{Price: units.New(900), PublishTime: 100})

	otherMarket := model.MarketIDFromString("BTC-USD")
	liquidatedKey := model.PositionKey{User: alice, Asset: asset, Market: market}
	positions.positions[liquidatedKey] = model.Position{User: alice, Asset: asset, Market: market, IsLong: true, Size: units.New(10_000)}

	keys := []model.PositionKey{
		{User: alice, Asset: asset, Market: otherMarket}, // unknown market
		liquidatedKey,
	}

	results := eng.LiquidatePositions(keys, keeper, 110)
	require.Len(t, results, 2)
	assert.False(t, results[0].OK)
	assert.Equal(t, "market-not-found", results[0].Reason)
	assert.True(t, results[1].OK)
}
