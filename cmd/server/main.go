package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/api"
	"github.com/atmx/perp-engine/internal/capability"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/orderbook"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx := context.Background()

	// --- Store: Postgres as source of truth, Redis as an optional
	// read-through cache, in-memory for local/dev use. ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Capabilities ---
	ledger := capability.NewMemoryLedger()
	priceFeed := capability.NewMemoryPriceFeed()
	refFeed := capability.NewMemoryReferencePriceFeed()
	referrals := capability.NewMemoryReferralDirectory()

	// --- Engine ---
	cfg := engine.Config{
		FeeParams: position.FeeParams{
			KeeperFeeShareBps:     1000,
			PoolFeeShareBps:       7000,
			RemoveMarginBufferBps: 500,
			MinPositionHoldTimeS:  60,
			TrailingStopFeeBps:    10,
			LiquidationFeeBps:     100,
		},
		OrderBookParams: orderbook.Params{
			MaxMarketOrderTTL:  120,
			MaxTriggerOrderTTL: 30 * 24 * 3600,
		},
	}
	eng := engine.New(ledger, priceFeed, refFeed, referrals, cfg)

	if err := restoreSnapshots(ctx, st, eng); err != nil {
		slog.Error("snapshot restore failed", "err", err)
		os.Exit(1)
	}

	// Record every emitted event into the store's append-only log and,
	// for margin transfers, into the ledger audit trail. Runs
	// independently of the engine's own write path: a dropped record
	// here never blocks a command.
	go recordEvents(ctx, st, eng)

	wsHub := api.NewWSHub(eng.Bus)
	go wsHub.Run()

	svc := api.NewService(eng, wsHub)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	r.Mount("/", api.Router(svc))

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// restoreSnapshots replays every persisted market, asset, and position
// into the freshly constructed engine before it starts serving traffic.
func restoreSnapshots(ctx context.Context, st store.Store, eng *engine.Engine) error {
	markets, err := st.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}
	for _, m := range markets {
		if err := eng.Registry.SetMarket(m); err != nil {
			return fmt.Errorf("restore market %s: %w", m.ID, err)
		}
	}

	assets, err := st.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	for _, a := range assets {
		if err := eng.Registry.SetAsset(a); err != nil {
			return fmt.Errorf("restore asset %s: %w", a.ID, err)
		}
	}

	positions, err := st.ListAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	for _, p := range positions {
		eng.Positions.Restore(p)
	}

	slog.Info("restored snapshots", "markets", len(markets), "assets", len(assets), "positions", len(positions))
	return nil
}

// recordEvents subscribes to the engine's bus for the life of the
// process, appending every event to the store's log and, for margin
// transfers, a matching ledger entry. A store failure here is logged
// and dropped rather than retried — events.Bus.Recent remains the
// source of truth for anything this goroutine misses.
func recordEvents(ctx context.Context, st store.Store, eng *engine.Engine) {
	sub, cancel := eng.Bus.Subscribe()
	defer cancel()

	for ev := range sub {
		if err := st.AppendEvent(ctx, ev); err != nil {
			slog.Error("append event failed", "kind", ev.Kind, "err", err)
		}

		switch ev.Kind {
		case events.MarginIncreased, events.MarginDecreased:
			recordMarginLedgerEntry(ctx, st, eng, ev)
		}
	}
}

func recordMarginLedgerEntry(ctx context.Context, st store.Store, eng *engine.Engine, ev events.Event) {
	user, err := parseEventAddress(ev.Fields["user"])
	if err != nil {
		return
	}
	assetID := model.AssetIDFromString(ev.Fields["asset"])
	marketID := model.MarketIDFromString(ev.Fields["market"])

	asset, ok := eng.Registry.GetAsset(assetID)
	if !ok {
		return
	}
	amount, err := uint256.FromDecimal(ev.Fields["amount"])
	if err != nil {
		return
	}

	entry := store.NewLedgerEntryUnsigned(ev.ID, ev.Kind, user, assetID, marketID, amount, ev.Kind == events.MarginDecreased, asset.Decimals, ev.Timestamp)
	if err := st.InsertLedgerEntry(ctx, entry); err != nil {
		slog.Error("insert ledger entry failed", "kind", ev.Kind, "err", err)
	}
}

func parseEventAddress(s string) (model.Address, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 {
		return model.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return model.AddressFromBytes(b), nil
}
