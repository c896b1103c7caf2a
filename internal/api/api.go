// Package api provides the HTTP handlers for the perpetual futures
// engine: order entry, margin management, liquidity orders, keeper batch
// commands, governance, and read-side queries. Grounded on the teacher's
// trade.Service — one handler per command, the same JSON-decode, validate,
// call-into-the-engine, respond shape — generalized from weather
// contracts to perpetual orders and margin.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/execution"
	"github.com/atmx/perp-engine/internal/marketid"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/orderbook"
	"github.com/atmx/perp-engine/internal/pool"
)

// Service wires the engine's command surface to HTTP. A single mutex
// already serializes every command inside engine.Engine, so Service
// itself holds no lock of its own.
type Service struct {
	eng *engine.Engine
	hub *WSHub
}

// NewService creates a new API service. Pass nil for hub if websocket
// broadcasting is not wired up.
func NewService(eng *engine.Engine, hub *WSHub) *Service {
	return &Service{eng: eng, hub: hub}
}

// Router builds the chi mux for every route this service serves.
func Router(s *Service) chi.Router {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/markets", s.ListMarkets)
		r.Get("/markets/{marketID}", s.GetMarket)
		r.Get("/positions/{userID}", s.ListPositions)
		r.Get("/events/recent", s.RecentEvents)

		r.Post("/orders", s.SubmitOrder)
		r.Delete("/orders/{orderID}", s.CancelOrder)

		r.Post("/margin/add", s.AddMargin)
		r.Post("/margin/remove", s.RemoveMargin)

		r.Post("/liquidity/orders", s.SubmitLiquidityOrder)
		r.Delete("/liquidity/orders/{orderID}", s.CancelLiquidityOrder)
		r.Post("/liquidity/deposit", s.DirectPoolDeposit)

		r.Post("/keeper/execute-orders", s.KeeperExecuteOrders)
		r.Post("/keeper/execute-liquidity", s.KeeperExecuteLiquidity)
		r.Post("/keeper/liquidate", s.KeeperLiquidate)

		r.Post("/admin/markets", s.SetMarket)
		r.Post("/admin/assets", s.SetAsset)
		r.Post("/admin/risk", s.SetRiskLimits)
		r.Post("/admin/pause", s.PauseNewOrders)

		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	return r
}

// --- request/response types ---

type orderDetailRequest struct {
	Kind              string `json:"kind"` // "market" | "limit" | "stop" | "trailing_stop"
	ReduceOnly        bool   `json:"reduce_only"`
	TriggerPrice      string `json:"trigger_price,omitempty"`
	Expiry            int64  `json:"expiry,omitempty"`
	CancelOnExecuteID uint32 `json:"cancel_on_execute_id,omitempty"`
	ExecutionFee      string `json:"execution_fee,omitempty"`
	TrailingStopBps   uint64 `json:"trailing_stop_bps,omitempty"`
}

type submitOrderRequest struct {
	Sender string             `json:"sender"`
	User   string             `json:"user"`
	Asset  string             `json:"asset"`
	Market string             `json:"market"`
	IsLong bool               `json:"is_long"`
	Margin string             `json:"margin"`
	Size   string             `json:"size"`
	Detail orderDetailRequest `json:"detail"`

	Referral string `json:"referral_code,omitempty"`

	// TakeProfitPrice, StopLossPrice, and StopLossTrailingStopBps describe
	// up to two auxiliary reduce-only orders submitted alongside this one,
	// cross-linked for one-cancels-the-other execution.
	TakeProfitPrice         string `json:"take_profit_price,omitempty"`
	StopLossPrice           string `json:"stop_loss_price,omitempty"`
	StopLossTrailingStopBps uint64 `json:"stop_loss_trailing_stop_bps,omitempty"`
}

func parseOrderKind(s string) (model.OrderKind, error) {
	switch s {
	case "", "market":
		return model.OrderMarket, nil
	case "limit":
		return model.OrderLimit, nil
	case "stop":
		return model.OrderStop, nil
	case "trailing_stop":
		return model.OrderTrailingStop, nil
	default:
		return 0, model.ErrInvalidParameter
	}
}

// SubmitOrder handles POST /api/v1/orders.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sender, err := parseAddress(req.Sender)
	if err != nil {
		writeError(w, "invalid sender", http.StatusBadRequest)
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		writeError(w, "invalid user", http.StatusBadRequest)
		return
	}
	asset, err := marketid.EncodeAsset(req.Asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	market, err := marketid.EncodeMarket(req.Market)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	margin, err := parseUint256(req.Margin)
	if err != nil {
		writeError(w, "invalid margin", http.StatusBadRequest)
		return
	}
	size, err := parseUint256(req.Size)
	if err != nil {
		writeError(w, "invalid size", http.StatusBadRequest)
		return
	}
	kind, err := parseOrderKind(req.Detail.Kind)
	if err != nil {
		writeError(w, "invalid order kind", http.StatusBadRequest)
		return
	}

	detail := model.OrderDetail{
		Kind:              kind,
		ReduceOnly:        req.Detail.ReduceOnly,
		Expiry:            req.Detail.Expiry,
		CancelOnExecuteID: req.Detail.CancelOnExecuteID,
		TrailingStopBps:   req.Detail.TrailingStopBps,
	}
	if detail.TriggerPrice, err = parseOptionalUint256(req.Detail.TriggerPrice); err != nil {
		writeError(w, "invalid trigger_price", http.StatusBadRequest)
		return
	}
	if detail.ExecutionFee, err = parseOptionalUint256(req.Detail.ExecutionFee); err != nil {
		writeError(w, "invalid execution_fee", http.StatusBadRequest)
		return
	}
	referral, err := parseReferralCode(req.Referral)
	if err != nil {
		writeError(w, "invalid referral_code", http.StatusBadRequest)
		return
	}
	tpPrice, err := parseOptionalUint256(req.TakeProfitPrice)
	if err != nil {
		writeError(w, "invalid take_profit_price", http.StatusBadRequest)
		return
	}
	slPrice, err := parseOptionalUint256(req.StopLossPrice)
	if err != nil {
		writeError(w, "invalid stop_loss_price", http.StatusBadRequest)
		return
	}

	id, err := s.eng.SubmitOrder(orderbook.SubmitParams{
		Sender: sender, User: user, Asset: asset, Market: market,
		IsLong: req.IsLong, Margin: margin, Size: size, Detail: detail,
		Referral:          referral,
		TPPrice:           tpPrice,
		SLPrice:           slPrice,
		SLTrailingStopBps: req.StopLossTrailingStopBps,
	}, now())
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"order_id": id})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?owner=0x...
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseURLOrderID(r, "orderID")
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}
	owner, err := parseAddress(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, "invalid owner", http.StatusBadRequest)
		return
	}
	if err := s.eng.CancelOrder(id, owner, now()); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type marginRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Market string `json:"market"`
	Amount string `json:"amount"`
}

// AddMargin handles POST /api/v1/margin/add.
func (s *Service) AddMargin(w http.ResponseWriter, r *http.Request) {
	s.handleMargin(w, r, s.eng.AddMargin)
}

// RemoveMargin handles POST /api/v1/margin/remove.
func (s *Service) RemoveMargin(w http.ResponseWriter, r *http.Request) {
	s.handleMargin(w, r, s.eng.RemoveMargin)
}

func (s *Service) handleMargin(w http.ResponseWriter, r *http.Request, fn func(model.Address, model.AssetID, model.MarketID, *uint256.Int, int64) error) {
	var req marginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		writeError(w, "invalid user", http.StatusBadRequest)
		return
	}
	asset, err := marketid.EncodeAsset(req.Asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	market, err := marketid.EncodeMarket(req.Market)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseUint256(req.Amount)
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}
	if err := fn(user, asset, market, amount, now()); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type liquidityOrderRequest struct {
	User              string `json:"user"`
	Asset             string `json:"asset"`
	Kind              string `json:"kind"` // "deposit" | "withdraw"
	Amount            string `json:"amount"`
	MinAmountAfterTax string `json:"min_amount_after_tax"`
	ExecutionFee      string `json:"execution_fee"`
}

// SubmitLiquidityOrder handles POST /api/v1/liquidity/orders.
func (s *Service) SubmitLiquidityOrder(w http.ResponseWriter, r *http.Request) {
	var req liquidityOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		writeError(w, "invalid user", http.StatusBadRequest)
		return
	}
	asset, err := marketid.EncodeAsset(req.Asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var kind model.LiquidityOrderKind
	switch req.Kind {
	case "deposit":
		kind = model.LiquidityDeposit
	case "withdraw":
		kind = model.LiquidityWithdraw
	default:
		writeError(w, "kind must be deposit or withdraw", http.StatusBadRequest)
		return
	}
	amount, err := parseUint256(req.Amount)
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}
	minAfterTax, err := parseOptionalUint256(req.MinAmountAfterTax)
	if err != nil {
		writeError(w, "invalid min_amount_after_tax", http.StatusBadRequest)
		return
	}
	execFee, err := parseOptionalUint256(req.ExecutionFee)
	if err != nil {
		writeError(w, "invalid execution_fee", http.StatusBadRequest)
		return
	}

	id, err := s.eng.SubmitLiquidityOrder(user, asset, kind, amount, minAfterTax, execFee, now())
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order_id": id})
}

// CancelLiquidityOrder handles DELETE /api/v1/liquidity/orders/{orderID}?owner=0x...
func (s *Service) CancelLiquidityOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseURLOrderID(r, "orderID")
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}
	owner, err := parseAddress(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, "invalid owner", http.StatusBadRequest)
		return
	}
	if err := s.eng.CancelLiquidityOrder(id, owner, now()); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type directDepositRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// DirectPoolDeposit handles POST /api/v1/liquidity/deposit.
func (s *Service) DirectPoolDeposit(w http.ResponseWriter, r *http.Request) {
	var req directDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		writeError(w, "invalid user", http.StatusBadRequest)
		return
	}
	asset, err := marketid.EncodeAsset(req.Asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseUint256(req.Amount)
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}
	if err := s.eng.DirectPoolDeposit(user, asset, amount, now()); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keeperBatchRequest struct {
	BatchID string   `json:"batch_id"`
	IDs     []uint32 `json:"ids"`
	Keeper  string   `json:"keeper"`

	// TrailingRefPrices supplies the reference price a trailing-stop
	// order's threshold floats against, keyed by its order id as a
	// base-10 string. An id absent here is left resting.
	TrailingRefPrices map[string]string `json:"trailing_ref_prices,omitempty"`
}

// KeeperExecuteOrders handles POST /api/v1/keeper/execute-orders.
func (s *Service) KeeperExecuteOrders(w http.ResponseWriter, r *http.Request) {
	var req keeperBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	keeper, err := parseAddress(req.Keeper)
	if err != nil {
		writeError(w, "invalid keeper", http.StatusBadRequest)
		return
	}
	var trailingRefs map[uint32]*uint256.Int
	if len(req.TrailingRefPrices) > 0 {
		trailingRefs = make(map[uint32]*uint256.Int, len(req.TrailingRefPrices))
		for idStr, priceStr := range req.TrailingRefPrices {
			id, err := strconv.ParseUint(idStr, 10, 32)
			if err != nil {
				writeError(w, "invalid trailing_ref_prices key", http.StatusBadRequest)
				return
			}
			price, err := parseUint256(priceStr)
			if err != nil {
				writeError(w, "invalid trailing_ref_prices value", http.StatusBadRequest)
				return
			}
			trailingRefs[uint32(id)] = price
		}
	}
	results, err := s.eng.ExecuteOrders(req.BatchID, req.IDs, trailingRefs, keeper, now())
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	logExecResults(results)
	writeJSON(w, http.StatusOK, results)
}

type keeperLiquidityBatchRequest struct {
	BatchID string           `json:"batch_id"`
	IDs     []uint32         `json:"ids"`
	Assets  []string         `json:"assets"`
	UPLs    []string         `json:"upls"` // signed decimal strings, one per asset
	Keeper  string           `json:"keeper"`
}

// KeeperExecuteLiquidity handles POST /api/v1/keeper/execute-liquidity.
func (s *Service) KeeperExecuteLiquidity(w http.ResponseWriter, r *http.Request) {
	var req keeperLiquidityBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Assets) != len(req.UPLs) {
		writeError(w, "assets and upls must be the same length", http.StatusBadRequest)
		return
	}
	keeper, err := parseAddress(req.Keeper)
	if err != nil {
		writeError(w, "invalid keeper", http.StatusBadRequest)
		return
	}
	assets := make([]model.AssetID, len(req.Assets))
	for i, a := range req.Assets {
		assets[i], err = marketid.EncodeAsset(a)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	upls := make([]*big.Int, len(req.UPLs))
	for i, u := range req.UPLs {
		upls[i], err = parseBigInt(u)
		if err != nil {
			writeError(w, fmt.Sprintf("invalid upl at index %d", i), http.StatusBadRequest)
			return
		}
	}
	results, err := s.eng.ExecuteLiquidityOrders(req.BatchID, req.IDs, assets, upls, keeper, now())
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type keeperLiquidateRequest struct {
	BatchID string              `json:"batch_id"`
	Keys    []positionKeyRequest `json:"keys"`
	Keeper  string              `json:"keeper"`
}

type positionKeyRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Market string `json:"market"`
}

// KeeperLiquidate handles POST /api/v1/keeper/liquidate.
func (s *Service) KeeperLiquidate(w http.ResponseWriter, r *http.Request) {
	var req keeperLiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	keeper, err := parseAddress(req.Keeper)
	if err != nil {
		writeError(w, "invalid keeper", http.StatusBadRequest)
		return
	}
	keys := make([]model.PositionKey, len(req.Keys))
	for i, k := range req.Keys {
		user, err := parseAddress(k.User)
		if err != nil {
			writeError(w, "invalid user in keys", http.StatusBadRequest)
			return
		}
		asset, err := marketid.EncodeAsset(k.Asset)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		market, err := marketid.EncodeMarket(k.Market)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		keys[i] = model.PositionKey{User: user, Asset: asset, Market: market}
	}
	results, err := s.eng.LiquidatePositions(req.BatchID, keys, keeper, now())
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	for _, res := range results {
		if res.OK {
			metrics.LiquidationsTotal.WithLabelValues("").Inc()
		}
	}
	writeJSON(w, http.StatusOK, results)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Registry.ListMarkets())
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := marketid.EncodeMarket(chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, ok := s.eng.Registry.GetMarket(market)
	if !ok {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListPositions handles GET /api/v1/positions/{userID}.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "invalid user", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Positions.ListPositions(user))
}

// RecentEvents handles GET /api/v1/events/recent?n=100.
func (s *Service) RecentEvents(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
		n = v
	}
	writeJSON(w, http.StatusOK, s.eng.Bus.Recent(n))
}

type setMarketRequest struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	Category               string `json:"category"`
	ReferenceFeedID        string `json:"reference_feed_id"`
	OracleFeedID           string `json:"oracle_feed_id"`
	MaxLeverage            uint64 `json:"max_leverage"`
	MaxDeviationBps        uint64 `json:"max_deviation_bps"`
	FeeBps                 uint64 `json:"fee_bps"`
	LiqThresholdBps        uint64 `json:"liq_threshold_bps"`
	FundingFactorBps       uint64 `json:"funding_factor_bps"`
	FundingIntervalS       int64  `json:"funding_interval_s"`
	MinOrderAgeS           int64  `json:"min_order_age_s"`
	OracleMaxAgeS          int64  `json:"oracle_max_age_s"`
	IsReduceOnly           bool   `json:"is_reduce_only"`
	PriceConfThresholdBps  uint64 `json:"price_conf_threshold_bps"`
	PriceConfMultiplierBps uint64 `json:"price_conf_multiplier_bps"`
}

// SetMarket handles POST /api/v1/admin/markets.
func (s *Service) SetMarket(w http.ResponseWriter, r *http.Request) {
	var req setMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := marketid.EncodeMarket(req.ID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	m := model.Market{
		ID: id, Name: req.Name, Category: req.Category,
		ReferenceFeedID: req.ReferenceFeedID, OracleFeedID: req.OracleFeedID,
		MaxLeverage: req.MaxLeverage, MaxDeviationBps: req.MaxDeviationBps,
		FeeBps: req.FeeBps, LiqThresholdBps: req.LiqThresholdBps,
		FundingFactorBps: req.FundingFactorBps, FundingIntervalS: req.FundingIntervalS,
		MinOrderAgeS: req.MinOrderAgeS, OracleMaxAgeS: req.OracleMaxAgeS,
		IsReduceOnly: req.IsReduceOnly, PriceConfThresholdBps: req.PriceConfThresholdBps,
		PriceConfMultiplierBps: req.PriceConfMultiplierBps,
	}
	if err := s.eng.SetMarket(m, now()); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("market updated", "market", id.String())
	w.WriteHeader(http.StatusNoContent)
}

type setAssetRequest struct {
	ID                       string `json:"id"`
	Decimals                 uint8  `json:"decimals"`
	MinSize                  string `json:"min_size"`
	ReferenceFeedID          string `json:"reference_feed_id"`
	BufferPayoutPeriod       int64  `json:"buffer_payout_period"`
	MaxLiquidityOrderTTL     int64  `json:"max_liquidity_order_ttl"`
	UtilizationMultiplierBps uint64 `json:"utilization_multiplier_bps"`
}

// SetAsset handles POST /api/v1/admin/assets.
func (s *Service) SetAsset(w http.ResponseWriter, r *http.Request) {
	var req setAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := marketid.EncodeAsset(req.ID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	minSize, err := parseUint256(req.MinSize)
	if err != nil {
		writeError(w, "invalid min_size", http.StatusBadRequest)
		return
	}
	a := model.Asset{ID: id, Decimals: req.Decimals, MinSize: minSize, ReferenceFeedID: req.ReferenceFeedID}
	params := pool.AssetParams{
		BufferPayoutPeriod:       req.BufferPayoutPeriod,
		MaxLiquidityOrderTTL:     req.MaxLiquidityOrderTTL,
		UtilizationMultiplierBps: req.UtilizationMultiplierBps,
	}
	if err := s.eng.SetAsset(a, params, now()); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("asset updated", "asset", id.String())
	w.WriteHeader(http.StatusNoContent)
}

type setRiskRequest struct {
	Asset          string `json:"asset"`
	Market         string `json:"market"`
	MaxOI          string `json:"max_oi"`
	ProfitLimitBps uint64 `json:"profit_limit_bps"`
	HourlyDecayBps uint64 `json:"hourly_decay_bps"`
}

// SetRiskLimits handles POST /api/v1/admin/risk.
func (s *Service) SetRiskLimits(w http.ResponseWriter, r *http.Request) {
	var req setRiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	asset, err := marketid.EncodeAsset(req.Asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxOI != "" && req.Market != "" {
		market, err := marketid.EncodeMarket(req.Market)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		maxOI, err := parseUint256(req.MaxOI)
		if err != nil {
			writeError(w, "invalid max_oi", http.StatusBadRequest)
			return
		}
		s.eng.SetMaxOpenInterest(asset, market, maxOI)
	}
	s.eng.SetPoolDrawdownLimits(asset, req.ProfitLimitBps, req.HourlyDecayBps)
	w.WriteHeader(http.StatusNoContent)
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

// PauseNewOrders handles POST /api/v1/admin/pause.
func (s *Service) PauseNewOrders(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.eng.PauseNewOrders(req.Paused)
	w.WriteHeader(http.StatusNoContent)
}

func logExecResults(results []execution.ExecResult) {
	for _, res := range results {
		if res.OK {
			metrics.OrdersExecutedTotal.WithLabelValues("", "").Inc()
		}
	}
}

func now() int64 { return time.Now().UTC().Unix() }

// writeError writes a JSON error response, matching the teacher's own
// helper of the same name and shape.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
