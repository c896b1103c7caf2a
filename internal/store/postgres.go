package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the recovery source
// of truth. Governance and position snapshots are stored as plain
// columns; event Fields and LedgerEntry amounts use JSONB/NUMERIC so
// operators can query them directly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveMarket(ctx context.Context, m model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, name, category, reference_feed_id, oracle_feed_id,
		    max_leverage, max_deviation_bps, fee_bps, liq_threshold_bps, funding_factor_bps,
		    funding_interval_s, min_order_age_s, oracle_max_age_s, is_reduce_only,
		    price_conf_threshold_bps, price_conf_multiplier_bps)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 ON CONFLICT (id) DO UPDATE SET
		    name=$2, category=$3, reference_feed_id=$4, oracle_feed_id=$5,
		    max_leverage=$6, max_deviation_bps=$7, fee_bps=$8, liq_threshold_bps=$9,
		    funding_factor_bps=$10, funding_interval_s=$11, min_order_age_s=$12,
		    oracle_max_age_s=$13, is_reduce_only=$14,
		    price_conf_threshold_bps=$15, price_conf_multiplier_bps=$16`,
		m.ID.String(), m.Name, m.Category, m.ReferenceFeedID, m.OracleFeedID,
		m.MaxLeverage, m.MaxDeviationBps, m.FeeBps, m.LiqThresholdBps, m.FundingFactorBps,
		m.FundingIntervalS, m.MinOrderAgeS, m.OracleMaxAgeS, m.IsReduceOnly,
		m.PriceConfThresholdBps, m.PriceConfMultiplierBps,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id model.MarketID) (model.Market, error) {
	var m model.Market
	var idStr string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, category, reference_feed_id, oracle_feed_id,
		    max_leverage, max_deviation_bps, fee_bps, liq_threshold_bps, funding_factor_bps,
		    funding_interval_s, min_order_age_s, oracle_max_age_s, is_reduce_only,
		    price_conf_threshold_bps, price_conf_multiplier_bps
		 FROM markets WHERE id = $1`, id.String()).
		Scan(&idStr, &m.Name, &m.Category, &m.ReferenceFeedID, &m.OracleFeedID,
			&m.MaxLeverage, &m.MaxDeviationBps, &m.FeeBps, &m.LiqThresholdBps, &m.FundingFactorBps,
			&m.FundingIntervalS, &m.MinOrderAgeS, &m.OracleMaxAgeS, &m.IsReduceOnly,
			&m.PriceConfThresholdBps, &m.PriceConfMultiplierBps)
	if err != nil {
		return model.Market{}, fmt.Errorf("get market %s: %w", id.String(), err)
	}
	m.ID = model.MarketIDFromString(idStr)
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, category, reference_feed_id, oracle_feed_id,
		    max_leverage, max_deviation_bps, fee_bps, liq_threshold_bps, funding_factor_bps,
		    funding_interval_s, min_order_age_s, oracle_max_age_s, is_reduce_only,
		    price_conf_threshold_bps, price_conf_multiplier_bps
		 FROM markets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Market
	for rows.Next() {
		var m model.Market
		var idStr string
		if err := rows.Scan(&idStr, &m.Name, &m.Category, &m.ReferenceFeedID, &m.OracleFeedID,
			&m.MaxLeverage, &m.MaxDeviationBps, &m.FeeBps, &m.LiqThresholdBps, &m.FundingFactorBps,
			&m.FundingIntervalS, &m.MinOrderAgeS, &m.OracleMaxAgeS, &m.IsReduceOnly,
			&m.PriceConfThresholdBps, &m.PriceConfMultiplierBps); err != nil {
			return nil, err
		}
		m.ID = model.MarketIDFromString(idStr)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAsset(ctx context.Context, a model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, decimals, min_size, reference_feed_id)
		 VALUES ($1,$2,$3::NUMERIC,$4)
		 ON CONFLICT (id) DO UPDATE SET decimals=$2, min_size=$3::NUMERIC, reference_feed_id=$4`,
		a.ID.String(), a.Decimals, a.MinSize.String(), a.ReferenceFeedID,
	)
	return err
}

func (s *PostgresStore) GetAsset(ctx context.Context, id model.AssetID) (model.Asset, error) {
	var a model.Asset
	var idStr, minSize string
	err := s.pool.QueryRow(ctx,
		`SELECT id, decimals, min_size::TEXT, reference_feed_id FROM assets WHERE id = $1`, id.String()).
		Scan(&idStr, &a.Decimals, &minSize, &a.ReferenceFeedID)
	if err != nil {
		return model.Asset{}, fmt.Errorf("get asset %s: %w", id.String(), err)
	}
	a.ID = model.AssetIDFromString(idStr)
	var overflow bool
	a.MinSize, overflow = uint256.FromBig(decimalToBig(minSize))
	if overflow {
		return model.Asset{}, fmt.Errorf("get asset %s: bad min_size %q", id.String(), minSize)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, decimals, min_size::TEXT, reference_feed_id FROM assets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		var a model.Asset
		var idStr, minSize string
		if err := rows.Scan(&idStr, &a.Decimals, &minSize, &a.ReferenceFeedID); err != nil {
			return nil, err
		}
		a.ID = model.AssetIDFromString(idStr)
		var overflow bool
		a.MinSize, overflow = uint256.FromBig(decimalToBig(minSize))
		if overflow {
			return nil, fmt.Errorf("list assets: bad min_size %q", minSize)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePosition(ctx context.Context, p model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, asset_id, market_id, is_long, size, margin, avg_price, timestamp, funding_snapshot)
		 VALUES ($1,$2,$3,$4,$5::NUMERIC,$6::NUMERIC,$7::NUMERIC,$8,$9::NUMERIC)
		 ON CONFLICT (user_id, asset_id, market_id) DO UPDATE SET
		    is_long=$4, size=$5::NUMERIC, margin=$6::NUMERIC, avg_price=$7::NUMERIC,
		    timestamp=$8, funding_snapshot=$9::NUMERIC`,
		p.User.String(), p.Asset.String(), p.Market.String(), p.IsLong,
		p.Size.String(), p.Margin.String(), p.AvgPrice.String(), p.Timestamp, p.FundingTrackerSnapshot.String(),
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, key model.PositionKey) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE user_id=$1 AND asset_id=$2 AND market_id=$3`,
		key.User.String(), key.Asset.String(), key.Market.String(),
	)
	return err
}

func (s *PostgresStore) ListPositions(ctx context.Context, user model.Address) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset_id, market_id, is_long, size::TEXT, margin::TEXT, avg_price::TEXT, timestamp, funding_snapshot::TEXT
		 FROM positions WHERE user_id = $1`, user.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset_id, market_id, is_long, size::TEXT, margin::TEXT, avg_price::TEXT, timestamp, funding_snapshot::TEXT
		 FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev events.Event) error {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO event_log (id, kind, timestamp, fields) VALUES ($1,$2,$3,$4::JSONB)`,
		ev.ID, string(ev.Kind), ev.Timestamp, fields,
	)
	return err
}

func (s *PostgresStore) ListEventsSince(ctx context.Context, afterID string, limit int) ([]events.Event, error) {
	var afterSeq int64
	if afterID != "" {
		if err := s.pool.QueryRow(ctx, `SELECT seq FROM event_log WHERE id = $1`, afterID).Scan(&afterSeq); err != nil {
			return nil, fmt.Errorf("resolve afterID %s: %w", afterID, err)
		}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, timestamp, fields FROM event_log WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		afterSeq, nullIfZero(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var kind string
		var fields []byte
		if err := rows.Scan(&ev.ID, &kind, &ev.Timestamp, &fields); err != nil {
			return nil, err
		}
		ev.Kind = events.Kind(kind)
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &ev.Fields); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, event_kind, user_id, asset_id, market_id, amount, timestamp)
		 VALUES ($1,$2,$3,$4,$5,$6::NUMERIC,$7)`,
		e.ID, string(e.EventKind), e.User.String(), e.Asset.String(), e.Market.String(), e.Amount.String(), e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, user model.Address, limit int) ([]LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_kind, user_id, asset_id, market_id, amount::TEXT, timestamp
		 FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		user.String(), nullIfZero(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, market model.MarketID, limit int) ([]LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_kind, user_id, asset_id, market_id, amount::TEXT, timestamp
		 FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		market.String(), nullIfZero(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

// nullIfZero lets a limit<=0 mean "no limit" against a LIMIT clause that
// otherwise requires a positive bound; Postgres treats LIMIT NULL as
// unbounded.
func nullIfZero(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var kind, userStr, assetStr, marketStr, amountStr string
		if err := rows.Scan(&e.ID, &kind, &userStr, &assetStr, &marketStr, &amountStr, &e.Timestamp); err != nil {
			return nil, err
		}
		e.EventKind = events.Kind(kind)
		e.User = addressFromHex(userStr)
		e.Asset = model.AssetIDFromString(assetStr)
		e.Market = model.MarketIDFromString(marketStr)
		amt, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, err
		}
		e.Amount = amt
		out = append(out, e)
	}
	return out, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		var p model.Position
		var userStr, assetStr, marketStr, size, margin, avgPrice, fundingSnap string
		if err := rows.Scan(&userStr, &assetStr, &marketStr, &p.IsLong, &size, &margin, &avgPrice, &p.Timestamp, &fundingSnap); err != nil {
			return nil, err
		}
		p.User = addressFromHex(userStr)
		p.Asset = model.AssetIDFromString(assetStr)
		p.Market = model.MarketIDFromString(marketStr)

		var overflow bool
		p.Size, overflow = uint256.FromBig(decimalToBig(size))
		if overflow {
			return nil, fmt.Errorf("scan position: bad size %q", size)
		}
		p.Margin, overflow = uint256.FromBig(decimalToBig(margin))
		if overflow {
			return nil, fmt.Errorf("scan position: bad margin %q", margin)
		}
		p.AvgPrice, overflow = uint256.FromBig(decimalToBig(avgPrice))
		if overflow {
			return nil, fmt.Errorf("scan position: bad avg_price %q", avgPrice)
		}
		p.FundingTrackerSnapshot = decimalToBig(fundingSnap)
		out = append(out, p)
	}
	return out, nil
}

// decimalToBig parses a base-10 integer string column (NUMERIC cast to
// TEXT, always integral for the fixed-point columns above) into a
// *big.Int, defaulting to zero on a malformed value rather than panicking
// a recovery path over one bad row.
func decimalToBig(s string) *big.Int {
	n := new(big.Int)
	if _, ok := n.SetString(s, 10); !ok {
		return new(big.Int)
	}
	return n
}

// addressFromHex parses a 0x-prefixed hex Address column back into
// model.Address, matching Address.String()'s own encoding.
func addressFromHex(s string) model.Address {
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return model.ZeroAddress
	}
	return model.AddressFromBytes(b)
}
