package risk_test

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/risk"
)

var asset = model.AssetIDFromString("A1")
var market = model.MarketIDFromString("ETH-USD")

func TestCheckMaxOI_Unbounded(t *testing.T) {
	v := risk.New()
	err := v.CheckMaxOI(asset, market, uint256.NewInt(1_000_000), uint256.NewInt(0))
	require.NoError(t, err)
}

func TestCheckMaxOI_ExceedsCap(t *testing.T) {
	v := risk.New()
	v.SetMaxOI(asset, market, uint256.NewInt(1000))
	err := v.CheckMaxOI(asset, market, uint256.NewInt(500), uint256.NewInt(600))
	require.ErrorIs(t, err, risk.ErrMaxOpenInterestExceeded)
}

func TestCheckMaxOI_WithinCap(t *testing.T) {
	v := risk.New()
	v.SetMaxOI(asset, market, uint256.NewInt(1000))
	err := v.CheckMaxOI(asset, market, uint256.NewInt(400), uint256.NewInt(600))
	require.NoError(t, err)
}

// TestCheckPoolDrawdown_RollsBackOnOvershoot pins Open Question #2: a
// rejecting call must leave the tracker and last-checked timestamp exactly
// as they were before the call, so a retried or alternate command starts
// from the same baseline.
func TestCheckPoolDrawdown_RollsBackOnOvershoot(t *testing.T) {
	v := risk.New()
	v.SetProfitLimitBps(asset, 100) // 1% of pool balance
	poolBalance := uint256.NewInt(1_000_000)

	err := v.CheckPoolDrawdown(asset, 1000, big.NewInt(5_000), poolBalance)
	require.NoError(t, err) // 5_000 < 1% of 1_000_000 = 10_000

	err = v.CheckPoolDrawdown(asset, 2000, big.NewInt(10_000), poolBalance)
	require.ErrorIs(t, err, risk.ErrPoolDrawdownExceeded) // 5_000+10_000 > 10_000

	// A subsequent call at a later time should see the tracker as if the
	// rejected call never happened: decay continues from the
	// last-accepted checkpoint (now=1000, tracker=5000), not from the
	// rejected one (now=2000).
	err = v.CheckPoolDrawdown(asset, 1000+3600, big.NewInt(0), poolBalance)
	require.NoError(t, err)
}

// TestCheckPoolDrawdown_DecayClampsAtZero pins Open Question #3: very large
// elapsed times must settle the tracker at exactly zero rather than
// overshoot through a naive linear multiply.
func TestCheckPoolDrawdown_DecayClampsAtZero(t *testing.T) {
	v := risk.New()
	v.SetProfitLimitBps(asset, 10_000) // 100%, so acceptance is driven by decay, not the cap
	v.SetHourlyDecayBps(asset, 5_000)  // 50% per hour
	poolBalance := uint256.NewInt(1_000_000)

	require.NoError(t, v.CheckPoolDrawdown(asset, 0, big.NewInt(100_000), poolBalance))

	// 1000 hours at 50%/hour decay would overshoot a naive linear model
	// far past zero; it must clamp to exactly zero rather than go negative
	// and then, on the next positive pnl, accept a value that should have
	// been rejected by a tracker that never should have gone negative.
	require.NoError(t, v.CheckPoolDrawdown(asset, 1000*3600, big.NewInt(0), poolBalance))
	require.ErrorIs(t, v.CheckPoolDrawdown(asset, 1000*3600, big.NewInt(1_000_001), poolBalance), risk.ErrPoolDrawdownExceeded)
}
