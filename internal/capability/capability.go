// Package capability defines the external collaborator interfaces the
// engine depends on — custody, pricing, and referrals — plus in-memory
// reference implementations suitable for tests and local development.
// Production deployments supply their own Ledger/PriceFeed adapters; the
// engine core never assumes a concrete transport for them.
package capability

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/model"
)

// Ledger custodies collateral on the engine's behalf. TransferIn moves
// funds from a user's free balance into engine custody (e.g. opening
// margin); TransferOut reverses it. The engine calls these synchronously
// within the single-writer command path, so implementations must not
// block indefinitely.
type Ledger interface {
	TransferIn(user model.Address, asset model.AssetID, amount *uint256.Int) error
	TransferOut(user model.Address, asset model.AssetID, amount *uint256.Int) error
	FreeBalance(user model.Address, asset model.AssetID) *uint256.Int
}

// PricePoint is one oracle price observation.
type PricePoint struct {
	Price       *uint256.Int // UNIT-scaled
	ConfBps     uint64       // confidence interval, in bps of Price
	PublishTime int64
}

// PriceFeed supplies the execution oracle price for a market. GetUnsafe
// returns the latest point without freshness checks — callers apply the
// market's OracleMaxAgeS themselves against the now they were given.
type PriceFeed interface {
	GetUnsafe(market model.MarketID) (PricePoint, bool)
}

// ReferencePriceFeed supplies the slower-moving reference price used for
// deviation bounding and margin valuation, independent of the execution
// oracle.
type ReferencePriceFeed interface {
	GetReference(asset model.AssetID) (*uint256.Int, bool)
}

// ReferralInfo is the fee-share arrangement for a referred user.
type ReferralInfo struct {
	Referrer    model.Address
	RebateBps   uint64
	ReferrerBps uint64
}

// ReferralDirectory resolves referral codes and referral relationships
// for fee-split accounting in internal/position.
type ReferralDirectory interface {
	Info(user model.Address) (ReferralInfo, bool)
	Set(user model.Address, code model.ReferralCode, info ReferralInfo) error
}

// SignedZero is a convenience zero *big.Int constructor for callers that
// need to hand back an explicit signed zero.
func SignedZero() *big.Int { return new(big.Int) }
