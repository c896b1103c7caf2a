package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development; not durable across restarts.
type MemoryStore struct {
	mu sync.RWMutex

	markets   map[model.MarketID]model.Market
	assets    map[model.AssetID]model.Asset
	positions map[model.PositionKey]model.Position
	eventLog  []events.Event
	ledger    []LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[model.MarketID]model.Market),
		assets:    make(map[model.AssetID]model.Asset),
		positions: make(map[model.PositionKey]model.Position),
	}
}

func (s *MemoryStore) SaveMarket(_ context.Context, m model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.ID] = m
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id model.MarketID) (model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return model.Market{}, fmt.Errorf("store: market %s not found", id.String())
	}
	return m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) SaveAsset(_ context.Context, a model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id model.AssetID) (model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return model.Asset{}, fmt.Errorf("store: asset %s not found", id.String())
	}
	return a, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.PositionKey{User: p.User, Asset: p.Asset, Market: p.Market}
	s.positions[key] = p
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, key model.PositionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, key)
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, user model.Address) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for key, p := range s.positions {
		if key.User == user {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAllPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventLog = append(s.eventLog, ev)
	return nil
}

// ListEventsSince returns up to limit events strictly after afterID in
// append order. An empty afterID returns from the start of the log. An
// afterID that is not found in the log (e.g. it predates a log
// compaction) returns the full retained log, mirroring events.Bus's own
// bounded-tail behavior rather than erroring.
func (s *MemoryStore) ListEventsSince(_ context.Context, afterID string, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if afterID != "" {
		for i, ev := range s.eventLog {
			if ev.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	rest := s.eventLog[start:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	out := make([]events.Event, len(rest))
	copy(out, rest)
	return out, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, e LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, e)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, user model.Address, limit int) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LedgerEntry
	for _, e := range s.ledger {
		if e.User == user {
			out = append(out, e)
		}
	}
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, market model.MarketID, limit int) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LedgerEntry
	for _, e := range s.ledger {
		if e.Market == market {
			out = append(out, e)
		}
	}
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}
