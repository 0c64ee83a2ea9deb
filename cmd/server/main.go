package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/yieldedge/yield-engine/internal/accrual"
	"github.com/yieldedge/yield-engine/internal/api"
	"github.com/yieldedge/yield-engine/internal/config"
	"github.com/yieldedge/yield-engine/internal/events"
	"github.com/yieldedge/yield-engine/internal/flash"
	"github.com/yieldedge/yield-engine/internal/guard"
	"github.com/yieldedge/yield-engine/internal/ledger"
	"github.com/yieldedge/yield-engine/internal/ledger/evm"
	"github.com/yieldedge/yield-engine/internal/lock"
	"github.com/yieldedge/yield-engine/internal/metrics"
	"github.com/yieldedge/yield-engine/internal/prediction"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	calc, err := flash.NewCalculator(cfg.InstantYieldRate, cfg.MinLockDays, cfg.MaxLockDays)
	if err != nil {
		slog.Error("invalid flash advance settings", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Initialize ledger ---
	ctx, cancel := context.WithTimeout(context.Background(), cfg.LedgerTimeout)
	led, admin, closeLedger, err := openLedger(ctx, cfg, calc)
	cancel()
	if err != nil {
		slog.Error("ledger initialization failed", "backend", cfg.LedgerBackend, "err", err)
		os.Exit(1)
	}
	if closeLedger != nil {
		cleanup = append(cleanup, closeLedger)
	}

	// --- Per-user submission locks ---
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("redis unreachable", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { rdb.Close() })
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL)
		slog.Info("Redis user locks enabled")
	}

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()
	cleanup = append(cleanup, hub.Stop)

	// --- Engine ---
	engine := accrual.NewEngine(led, hub)
	g := guard.New(engine, led)
	flashSvc := flash.NewService(calc, led, locker, hub)
	predictionSvc := prediction.NewService(led, g, locker, hub)
	vault, _ := led.(ledger.Vault)

	srvAPI := api.NewServer(api.Config{
		Assets:      cfg.AssetNames(),
		Ledger:      led,
		Deposits:    engine,
		Guard:       g,
		Flash:       flashSvc,
		Predictions: predictionSvc,
		Vault:       vault,
		Admin:       admin,
		WS:          hub.HandleWS,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"yield-engine","ledger":%q}`, cfg.LedgerBackend)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// API requests are bounded by the ledger timeout.
	r.With(middleware.Timeout(cfg.LedgerTimeout)).Mount("/api/v1", srvAPI.Routes())

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.LedgerTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("yield-engine listening",
			"port", cfg.Port,
			"ledger", cfg.LedgerBackend,
			"assets", cfg.AssetNames(),
			"instant_yield_rate", calc.Rate().String(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down yield-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("yield-engine stopped")
}

// openLedger connects the configured ledger backend. admin is nil for
// ledgers the engine does not host itself.
func openLedger(ctx context.Context, cfg *config.Config, calc *flash.Calculator) (led ledger.Ledger, admin ledger.Admin, closeFn func(), err error) {
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		pl := ledger.NewPostgresLedger(pool, calc.YieldForPrincipal)
		if err := pl.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		slog.Info("connected to PostgreSQL")
		return pl, pl, pool.Close, nil

	case config.BackendEVM:
		contracts := make(map[string]evm.Contracts, len(cfg.Assets))
		for _, a := range cfg.Assets {
			contracts[a.Name] = evm.Contracts{
				Vault:   common.HexToAddress(a.VaultAddress),
				Factory: common.HexToAddress(a.FactoryAddress),
			}
		}
		el, err := evm.Dial(ctx, cfg.EVM.RPCURL, cfg.EVM.PrivateKey, contracts)
		if err != nil {
			return nil, nil, nil, err
		}
		slog.Info("connected to EVM ledger", "rpc", cfg.EVM.RPCURL, "signer", el.From().Hex())
		return el, nil, nil, nil
	}

	slog.Warn("LEDGER_BACKEND=memory, using in-memory ledger (data will not persist)")
	ml := ledger.NewMemoryLedger(calc.YieldForPrincipal)
	return ml, ml, nil, nil
}
