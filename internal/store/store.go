// Package store defines the persistence interface for the perpetual
// futures engine. The in-memory Engine in internal/engine is the source
// of truth for live trading; Store exists for crash recovery (restore the
// governance/position snapshots into a fresh Engine), as an append-only
// event log,
// and for read-side queries (ledger history, position history) that
// should not compete with the single writer lock for CPU.
package store

import (
	"context"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
)

// LedgerEntry is an audited, human-scaled record of one monetary movement
// the engine made: a fee credit, a realized P&L payout, a margin
// transfer, a pool deposit or withdrawal. The engine's own state never
// carries decimal.Decimal — every in-memory amount is a *uint256.Int or
// *big.Int fixed-point value — but a persisted audit row is read by
// humans and SQL aggregates far more often than it is read by the engine,
// so it is converted to a decimal at write time using the asset's
// Decimals, the way the teacher persists its own trade ledger as NUMERIC.
type LedgerEntry struct {
	ID        string
	EventKind events.Kind
	User      model.Address
	Asset     model.AssetID
	Market    model.MarketID
	Amount    decimal.Decimal // signed; negative is a debit from the named user
	Timestamp int64
}

// NewLedgerEntry converts a signed amount in the asset's smallest unit
// into a human-scaled LedgerEntry by shifting it by the asset's decimal
// count.
func NewLedgerEntry(id string, kind events.Kind, user model.Address, asset model.AssetID, market model.MarketID, amount *big.Int, assetDecimals uint8, now int64) LedgerEntry {
	d := decimal.NewFromBigInt(amount, 0).Shift(-int32(assetDecimals))
	return LedgerEntry{ID: id, EventKind: kind, User: user, Asset: asset, Market: market, Amount: d, Timestamp: now}
}

// NewLedgerEntryUnsigned is NewLedgerEntry for an unsigned *uint256.Int
// amount (fees, margin, pool flows), optionally negated for a debit.
func NewLedgerEntryUnsigned(id string, kind events.Kind, user model.Address, asset model.AssetID, market model.MarketID, amount *uint256.Int, negate bool, assetDecimals uint8, now int64) LedgerEntry {
	signed := amount.ToBig()
	if negate {
		signed = new(big.Int).Neg(signed)
	}
	d := decimal.NewFromBigInt(signed, 0).Shift(-int32(assetDecimals))
	return LedgerEntry{ID: id, EventKind: kind, User: user, Asset: asset, Market: market, Amount: d, Timestamp: now}
}

// Store is the persistence interface. PostgreSQL is the source of truth
// for recovery; Redis provides a read-through cache over the governance
// and position snapshots, mirroring the teacher's Postgres-primary,
// Redis-cache split.
type Store interface {
	// --- Governance snapshots, replayed into registry.Registry on boot ---

	SaveMarket(ctx context.Context, m model.Market) error
	GetMarket(ctx context.Context, id model.MarketID) (model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)

	SaveAsset(ctx context.Context, a model.Asset) error
	GetAsset(ctx context.Context, id model.AssetID) (model.Asset, error)
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// --- Position snapshots, replayed into position.Manager on boot ---

	SavePosition(ctx context.Context, p model.Position) error
	DeletePosition(ctx context.Context, key model.PositionKey) error
	ListPositions(ctx context.Context, user model.Address) ([]model.Position, error)
	ListAllPositions(ctx context.Context) ([]model.Position, error)

	// --- Append-only event log, read back in order by ListEventsSince;
	// boot-time recovery restores the snapshots above and does not
	// replay it ---

	AppendEvent(ctx context.Context, ev events.Event) error
	ListEventsSince(ctx context.Context, afterID string, limit int) ([]events.Event, error)

	// --- Audited ledger entries, a read-side query surface; never
	// replayed; recovery restores the snapshots above ---

	InsertLedgerEntry(ctx context.Context, e LedgerEntry) error
	GetLedgerEntriesByUser(ctx context.Context, user model.Address, limit int) ([]LedgerEntry, error)
	GetLedgerEntriesByMarket(ctx context.Context, market model.MarketID, limit int) ([]LedgerEntry, error)
}
