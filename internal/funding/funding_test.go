package funding_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
)

type fakeOI struct {
	long, short *uint256.Int
}

func (f fakeOI) OpenInterest(model.AssetID, model.MarketID) model.OpenInterestPair {
	return model.OpenInterestPair{Long: f.long, Short: f.short}
}

var (
	asset  = model.AssetIDFromString("A1")
	market = model.MarketIDFromString("ETH-USD")
)

func TestUpdate_FirstCallIsNoop(t *testing.T) {
	tr := funding.New(fakeOI{uint256.NewInt(100), uint256.NewInt(100)})
	tr.Update(asset, market, 1000, 3600, 1000)
	require.Equal(t, "0", tr.Current(asset, market).String())
}

func TestUpdate_BalancedBookHasZeroIncrement(t *testing.T) {
	tr := funding.New(fakeOI{uint256.NewInt(500), uint256.NewInt(500)})
	tr.Update(asset, market, 1000, 3600, 1000)
	tr.Update(asset, market, 1000+3600, 3600, 1000)
	require.Equal(t, "0", tr.Current(asset, market).String())
}

func TestUpdate_LongHeavyIsPositive(t *testing.T) {
	tr := funding.New(fakeOI{uint256.NewInt(800), uint256.NewInt(200)})
	tr.Update(asset, market, 1000, 3600, 1000)
	tr.Update(asset, market, 1000+3600, 3600, 1000)
	require.True(t, tr.Current(asset, market).Sign() > 0)
}

func TestUpdate_ShortHeavyIsNegative(t *testing.T) {
	tr := funding.New(fakeOI{uint256.NewInt(200), uint256.NewInt(800)})
	tr.Update(asset, market, 1000, 3600, 1000)
	tr.Update(asset, market, 1000+3600, 3600, 1000)
	require.True(t, tr.Current(asset, market).Sign() < 0)
}

func TestUpdate_SubIntervalIsNoop(t *testing.T) {
	tr := funding.New(fakeOI{uint256.NewInt(800), uint256.NewInt(200)})
	tr.Update(asset, market, 1000, 3600, 1000)
	tr.Update(asset, market, 1000+1800, 3600, 1000)
	require.Equal(t, "0", tr.Current(asset, market).String())
}

func TestUpdate_MagnitudeMatchesIntervalScaledFormula(t *testing.T) {
	// intervalSeconds = SecondsPerYear/1000, yearlyFactorBps = 1000, and an
	// entirely long-skewed book (skew == sum) collapses the formula to
	// exactly UNIT for n=1: UNIT*1000*skew*1*interval/(SecondsPerYear*skew)
	// = UNIT*1000*interval/SecondsPerYear = UNIT*1000/1000 = UNIT. Dropping
	// the interval factor (as the unpatched formula did) would instead
	// yield UNIT*1000/SecondsPerYear, three orders of magnitude smaller.
	const intervalSeconds = funding.SecondsPerYear / 1000
	tr := funding.New(fakeOI{uint256.NewInt(1000), uint256.NewInt(0)})
	tr.Update(asset, market, 1000, intervalSeconds, 1000)
	tr.Update(asset, market, 1000+intervalSeconds, intervalSeconds, 1000)
	require.Equal(t, "1000000000000000000", tr.Current(asset, market).String())
}

func TestUpdate_ZeroOIDoesNotPanic(t *testing.T) {
	tr := funding.New(fakeOI{uint256.NewInt(0), uint256.NewInt(0)})
	tr.Update(asset, market, 1000, 3600, 1000)
	tr.Update(asset, market, 1000+3600, 3600, 1000)
	require.Equal(t, "0", tr.Current(asset, market).String())
}
