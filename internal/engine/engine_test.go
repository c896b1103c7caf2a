package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/orderbook"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/units"
)

var alice = model.AddressFromBytes([]byte{1})
var keeperAddr = model.AddressFromBytes([]byte{0xFE})

const (
	testAsset  = "A0"
	testMarket = "ETH-USD"
)

func newTestEngine(t *testing.T) (*Engine, *capability.MemoryLedger, model.AssetID, model.MarketID) {
	t.Helper()
	ledger := capability.NewMemoryLedger()
	priceFeed := capability.NewMemoryPriceFeed()
	refFeed := capability.NewMemoryReferencePriceFeed()
	referrals := capability.NewMemoryReferralDirectory()

	eng := New(ledger, priceFeed, refFeed, referrals, Config{
		FeeParams: position.FeeParams{
			KeeperFeeShareBps: 1000, PoolFeeShareBps: 7000, RemoveMarginBufferBps: 500,
			MinPositionHoldTimeS: 0, TrailingStopFeeBps: 10, LiquidationFeeBps: 100,
		},
		OrderBookParams: orderbook.Params{MaxMarketOrderTTL: 120, MaxTriggerOrderTTL: 86400},
	})

	asset := model.AssetIDFromString(testAsset)
	market := model.MarketIDFromString(testMarket)

	require.NoError(t, eng.SetAsset(model.Asset{ID: asset, MinSize: units.New(1)}, pool.AssetParams{
		BufferPayoutPeriod: 3600, MaxLiquidityOrderTTL: 86400, UtilizationMultiplierBps: 10_000,
	}, 0))
	require.NoError(t, eng.SetMarket(model.Market{
		ID: market, MaxLeverage: 50, FeeBps: 10, LiqThresholdBps: 8000, OracleMaxAgeS: 300,
	}, 0))

	eng.Orders.Approve(alice)
	return eng, ledger, asset, market
}

func TestEngine_SubmitExecuteCloseLifecycle(t *testing.T) {
	eng, ledger, asset, market := newTestEngine(t)
	ledger.Credit(alice, asset, units.New(1_000_000))

	// Seed the pool with enough principal to cover a profitable close: a
	// liquidity deposit adds to principal, the direct deposit only to the
	// buffer. The drawdown limit lets a payout use up to all of principal.
	ledger.Credit(keeperAddr, asset, units.New(2_000_000))
	lpID, err := eng.SubmitLiquidityOrder(keeperAddr, asset, model.LiquidityDeposit, units.New(1_000_000), units.Zero(), units.Zero(), 0)
	require.NoError(t, err)
	lpResults, err := eng.ExecuteLiquidityOrders("lp-batch-1", []uint32{lpID}, nil, nil, keeperAddr, 0)
	require.NoError(t, err)
	require.True(t, lpResults[0].OK)
	require.NoError(t, eng.DirectPoolDeposit(keeperAddr, asset, units.New(1_000_000), 0))
	eng.SetPoolDrawdownLimits(asset, 10_000, 0)
	eng.PriceFeed.Set(market, capability.PricePoint{Price: units.New(1000), PublishTime: 0})

	orderID, err := eng.SubmitOrder(orderbook.SubmitParams{
		Sender: alice, User: alice, Asset: asset, Market: market, IsLong: true,
		Margin: units.New(10_000), Size: units.New(100_000),
		Detail: model.OrderDetail{Kind: model.OrderMarket, ExecutionFee: units.Zero()},
	}, 100)
	require.NoError(t, err)

	results, err := eng.ExecuteOrders("batch-1", []uint32{orderID}, nil, keeperAddr, 101)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)

	pos, ok := eng.Positions.GetPosition(model.PositionKey{User: alice, Asset: asset, Market: market})
	require.True(t, ok)
	assert.Equal(t, units.New(100_000).String(), pos.Size.String())

	closeID, err := eng.SubmitOrder(orderbook.SubmitParams{
		Sender: alice, User: alice, Asset: asset, Market: market, IsLong: false,
		Margin: units.Zero(), Size: units.New(100_000),
		Detail: model.OrderDetail{Kind: model.OrderMarket, ReduceOnly: true, ExecutionFee: units.Zero()},
	}, 200)
	require.NoError(t, err)

	eng.PriceFeed.Set(market, capability.PricePoint{Price: units.New(1050), PublishTime: 200})
	results, err = eng.ExecuteOrders("batch-2", []uint32{closeID}, nil, keeperAddr, 201)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)

	_, ok = eng.Positions.GetPosition(model.PositionKey{User: alice, Asset: asset, Market: market})
	assert.False(t, ok)
}

func TestEngine_DuplicateBatchRejected(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	_, err := eng.ExecuteOrders("batch-1", nil, nil, keeperAddr, 100)
	require.NoError(t, err)

	_, err = eng.ExecuteOrders("batch-1", nil, nil, keeperAddr, 101)
	assert.ErrorIs(t, err, ErrDuplicateBatch)
}

func TestEngine_AddRemoveMargin(t *testing.T) {
	eng, ledger, asset, market := newTestEngine(t)
	ledger.Credit(alice, asset, units.New(1_000_000))
	ledger.Credit(keeperAddr, asset, units.New(1_000_000))
	require.NoError(t, eng.DirectPoolDeposit(keeperAddr, asset, units.New(1_000_000), 0))
	eng.PriceFeed.Set(market, capability.PricePoint{Price: units.New(1000), PublishTime: 0})
	eng.RefFeed.Set(asset, units.New(1000))

	orderID, err := eng.SubmitOrder(orderbook.SubmitParams{
		Sender: alice, User: alice, Asset: asset, Market: market, IsLong: true,
		Margin: units.New(10_000), Size: units.New(100_000),
		Detail: model.OrderDetail{Kind: model.OrderMarket, ExecutionFee: units.Zero()},
	}, 100)
	require.NoError(t, err)
	_, err = eng.ExecuteOrders("batch-1", []uint32{orderID}, nil, keeperAddr, 101)
	require.NoError(t, err)

	require.NoError(t, eng.AddMargin(alice, asset, market, units.New(5_000), 150))
	pos, ok := eng.Positions.GetPosition(model.PositionKey{User: alice, Asset: asset, Market: market})
	require.True(t, ok)
	assert.Equal(t, units.New(15_000).String(), pos.Margin.String())

	require.NoError(t, eng.RemoveMargin(alice, asset, market, units.New(3_000), 200))
	pos, ok = eng.Positions.GetPosition(model.PositionKey{User: alice, Asset: asset, Market: market})
	require.True(t, ok)
	assert.Equal(t, units.New(12_000).String(), pos.Margin.String())
}

func TestEngine_PauseNewOrdersRejectsSubmission(t *testing.T) {
	eng, ledger, asset, market := newTestEngine(t)
	ledger.Credit(alice, asset, units.New(1_000_000))

	eng.PauseNewOrders(true)

	_, err := eng.SubmitOrder(orderbook.SubmitParams{
		Sender: alice, User: alice, Asset: asset, Market: market, IsLong: true,
		Margin: units.New(10_000), Size: units.New(100_000),
		Detail: model.OrderDetail{Kind: model.OrderMarket, ExecutionFee: units.Zero()},
	}, 100)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
}

func TestEngine_CheckCustody(t *testing.T) {
	eng, ledger, asset, _ := newTestEngine(t)
	ledger.Credit(keeperAddr, asset, units.New(50_000))
	require.NoError(t, eng.DirectPoolDeposit(keeperAddr, asset, units.New(50_000), 0))

	report, err := eng.CheckCustody(asset)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	assert.Equal(t, units.New(50_000).String(), report.Owed.String())
}
