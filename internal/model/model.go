// Package model defines the core domain types shared across the perpetual
// futures engine. All monetary, size, and share values use
// github.com/holiman/uint256 — never float64 for money — with signed
// quantities (P&L, funding index, global UPL) carried as *big.Int.
package model

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// AssetID is a fixed 10-byte collateral asset tag, left-aligned and
// zero-padded, mirroring the Market tag convention below.
type AssetID [10]byte

// MarketID is a fixed 10-byte market tag, e.g. "ETH-USD\x00\x00\x00".
type MarketID [10]byte

// NativeAsset is the sentinel AssetID denoting the chain-native coin (the
// spec's "A0"). Native transfers — execution fees, liquidity order fees —
// are always denominated in this asset.
var NativeAsset = AssetIDFromString("A0")

// AssetIDFromString encodes a short asset name into a fixed 10-byte tag,
// truncating names longer than 10 bytes.
func AssetIDFromString(s string) AssetID {
	var id AssetID
	copy(id[:], s)
	return id
}

// String trims the trailing zero padding from the tag.
func (a AssetID) String() string { return strings.TrimRight(string(a[:]), "\x00") }

// MarketIDFromString encodes a market name into a fixed 10-byte tag,
// truncating names longer than 10 bytes.
func MarketIDFromString(s string) MarketID {
	var id MarketID
	copy(id[:], s)
	return id
}

// String trims the trailing zero padding from the tag.
func (m MarketID) String() string { return strings.TrimRight(string(m[:]), "\x00") }

// Address identifies a trader, keeper, or governance account. The Ledger,
// PriceFeed, and ReferralDirectory capabilities key off this type; the
// engine never interprets its bytes beyond equality and hex formatting.
type Address [20]byte

// ZeroAddress is the unset/sentinel address.
var ZeroAddress Address

// String renders the address as a 0x-prefixed hex string.
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// IsZero reports whether the address is the unset sentinel.
func (a Address) IsZero() bool { return a == ZeroAddress }

// AddressFromBytes right-aligns up to 20 bytes of b into a new Address.
func AddressFromBytes(b []byte) Address {
	var a Address
	if len(b) >= 20 {
		copy(a[:], b[len(b)-20:])
	} else {
		copy(a[20-len(b):], b)
	}
	return a
}

// OrderKind enumerates the four order types in the data model.
type OrderKind uint8

const (
	OrderMarket OrderKind = iota
	OrderLimit
	OrderStop
	OrderTrailingStop
)

func (k OrderKind) String() string {
	switch k {
	case OrderMarket:
		return "market"
	case OrderLimit:
		return "limit"
	case OrderStop:
		return "stop"
	case OrderTrailingStop:
		return "trailing_stop"
	default:
		return "unknown"
	}
}

// Market is the governance-set, per-id description of a tradable
// perpetual market. Fields are mutated only through governance commands,
// each of which appends a MarketUpdated event.
type Market struct {
	ID                     MarketID
	Name                   string
	Category               string
	ReferenceFeedID        string
	OracleFeedID           string
	MaxLeverage            uint64
	MaxDeviationBps        uint64
	FeeBps                 uint64
	LiqThresholdBps        uint64
	FundingFactorBps       uint64 // yearly rate at full OI skew
	FundingIntervalS       int64  // funding commit cadence for this market
	MinOrderAgeS           int64
	OracleMaxAgeS          int64
	IsReduceOnly           bool
	PriceConfThresholdBps  uint64
	PriceConfMultiplierBps uint64
}

// Asset describes a collateral asset's accounting parameters.
type Asset struct {
	ID              AssetID
	Decimals        uint8
	MinSize         *uint256.Int
	ReferenceFeedID string
}

// OrderDetail is the sub-record distinguishing order kinds.
type OrderDetail struct {
	Kind              OrderKind
	ReduceOnly        bool
	TriggerPrice      *uint256.Int // zero means unset
	Expiry            int64        // zero means no expiry
	CancelOnExecuteID uint32       // zero means unset
	ExecutionFee      *uint256.Int
	TrailingStopBps   uint64
}

// Order is a trader's resting instruction, keyed by a monotonic id.
type Order struct {
	ID        uint32
	User      Address
	Asset     AssetID
	Market    MarketID
	IsLong    bool
	Margin    *uint256.Int
	Size      *uint256.Int
	Fee       *uint256.Int
	Timestamp int64
	Detail    OrderDetail
}

// PositionKey identifies a position by its (user, asset, market) triple. A
// plain comparable struct is used as the map key rather than a hash.
type PositionKey struct {
	User   Address
	Asset  AssetID
	Market MarketID
}

// Position is a trader's open exposure in one (asset, market). A position
// exists iff Size > 0; it is removed from the owning store once closed.
type Position struct {
	User                   Address
	Asset                  AssetID
	Market                 MarketID
	IsLong                 bool
	Size                   *uint256.Int
	Margin                 *uint256.Int
	AvgPrice               *uint256.Int
	Timestamp              int64
	FundingTrackerSnapshot *big.Int // signed, UNIT-scaled
}

// OpenInterestPair is the long/short split of aggregate notional for one
// (asset, market) or an asset-wide total.
type OpenInterestPair struct {
	Long  *uint256.Int
	Short *uint256.Int
}

// LiquidityOrderKind distinguishes deposit from withdraw requests.
type LiquidityOrderKind uint8

const (
	LiquidityDeposit LiquidityOrderKind = iota
	LiquidityWithdraw
)

// LiquidityOrder is a trader's pending pool deposit or withdrawal request,
// resolved in a later keeper batch against the pool's state after the
// keeper-supplied global UPL is applied (no oracle price is read).
type LiquidityOrder struct {
	ID                uint32
	User              Address
	Asset             AssetID
	Kind              LiquidityOrderKind
	Amount            *uint256.Int
	MinAmountAfterTax *uint256.Int
	Timestamp         int64
	ExecutionFee      *uint256.Int
}

// ReferralCode is a 32-byte opaque referral tag, per the ReferralDirectory
// capability.
type ReferralCode [32]byte

// IsZero reports whether the code is unset.
func (c ReferralCode) IsZero() bool { return c == ReferralCode{} }
