// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersExecutedTotal counts orders executed by the keeper batch path,
	// partitioned by market and kind.
	OrdersExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_orders_executed_total",
		Help: "Total number of orders executed",
	}, []string{"market_id", "kind"})

	// ExecutionLatency tracks keeper batch execution latency.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_execution_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"market_id"})

	// OpenInterest tracks current open interest per market and side.
	OpenInterest = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_open_interest",
		Help: "Current open interest notional",
	}, []string{"market_id", "side"})

	// FundingIndex tracks the latest signed funding index per market.
	FundingIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_funding_index",
		Help: "Current cumulative funding index (UNIT-scaled)",
	}, []string{"market_id"})

	// PoolBalance tracks pool principal per asset.
	PoolBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_pool_balance",
		Help: "Current liquidity pool principal balance",
	}, []string{"asset_id"})

	// PoolBufferBalance tracks the pool's trader-loss buffer per asset.
	PoolBufferBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_pool_buffer_balance",
		Help: "Current liquidity pool buffer balance",
	}, []string{"asset_id"})

	// LiquidationsTotal counts forced position closes.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_liquidations_total",
		Help: "Total number of liquidated positions",
	}, []string{"market_id"})

	// RiskRejectionsTotal counts orders rejected by the risk validator,
	// partitioned by which check rejected them.
	RiskRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_risk_rejections_total",
		Help: "Orders or settlements rejected by the risk validator",
	}, []string{"check"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// CustodyMismatchTotal counts CheckCustody diagnostic failures.
	CustodyMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_custody_mismatch_total",
		Help: "Number of times the custody self-check found a mismatch",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
