package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over governance and position snapshots — the two lookups hot
// enough on the API read path to matter. Writes go to the primary and
// invalidate the cache; the event log and ledger entries pass straight
// through, since they are queried far less often than they are written.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveMarket(ctx context.Context, m model.Market) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) SaveAsset(ctx context.Context, a model.Asset) error {
	if err := s.primary.SaveAsset(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetKey(a.ID))
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p model.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.User))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, key model.PositionKey) error {
	if err := s.primary.DeletePosition(ctx, key); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(key.User))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id model.MarketID) (model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return model.Market{}, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetAsset(ctx context.Context, id model.AssetID) (model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetKey(id)).Bytes()
	if err == nil {
		var a model.Asset
		if json.Unmarshal(data, &a) == nil {
			return a, nil
		}
	}

	a, err := s.primary.GetAsset(ctx, id)
	if err != nil {
		return model.Asset{}, err
	}
	s.cacheAsset(ctx, a)
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, user model.Address) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(user)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, user)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(user), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) { return s.primary.ListMarkets(ctx) }
func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error)   { return s.primary.ListAssets(ctx) }
func (s *CachedStore) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListAllPositions(ctx)
}
func (s *CachedStore) AppendEvent(ctx context.Context, ev events.Event) error {
	return s.primary.AppendEvent(ctx, ev)
}
func (s *CachedStore) ListEventsSince(ctx context.Context, afterID string, limit int) ([]events.Event, error) {
	return s.primary.ListEventsSince(ctx, afterID, limit)
}
func (s *CachedStore) InsertLedgerEntry(ctx context.Context, e LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, e)
}
func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, user model.Address, limit int) ([]LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, user, limit)
}
func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, market model.MarketID, limit int) ([]LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, market, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheAsset(ctx context.Context, a model.Asset) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, assetKey(a.ID), data, s.ttl)
	}
}

func marketKey(id model.MarketID) string      { return fmt.Sprintf("market:%s", id.String()) }
func assetKey(id model.AssetID) string        { return fmt.Sprintf("asset:%s", id.String()) }
func positionsKey(user model.Address) string  { return fmt.Sprintf("positions:%s", user.String()) }
