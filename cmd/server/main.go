// Package main is the entry point for the fuel ledger API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/cache"
	v1 "fuelledger/internal/infrastructure/http/v1"
	"fuelledger/internal/infrastructure/http/v1/handlers"
	"fuelledger/internal/infrastructure/notify"
	"fuelledger/internal/infrastructure/storage/postgres"
	"fuelledger/internal/infrastructure/storage/postgres/ledger_repo"
	"fuelledger/pkg/config"
	"fuelledger/pkg/logger"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.Development(),
		Service:     "fuelledger-server",
		Version:     version,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()
	log.Infow("starting fuelledger server", "version", version, "env", cfg.App.Env)

	// --- Database ---
	pool, err := postgres.NewPool(ctx, postgres.PoolConfigFrom(cfg.DB))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Info("database connection established")

	txOpts := postgres.DefaultTxOptions()
	txOpts.LockTimeout = cfg.Ledger.LockTimeout
	txOpts.StatementTimeout = cfg.Ledger.StatementTimeout
	txManager := postgres.NewTxManager(pool, txOpts)

	auditService, err := postgres.NewAuditService(txManager)
	if err != nil {
		log.Fatalw("failed to create audit service", "error", err)
	}

	// --- Change notifications ---
	backend, err := notify.Open(ctx, cfg.Notify)
	if err != nil {
		log.Fatalw("failed to open notify backend", "backend", cfg.Notify.Backend, "error", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warnw("notify backend close failed", "error", err)
		}
	}()

	balances := cache.NewBalanceCache(cfg.Cache.TTL)
	if backend.Redis != nil {
		// Other replicas mutate the same ledgers; their events evict our entries.
		balances.Start(ctx, notify.NewRedisSubscriber(backend.Redis, cfg.Notify.Channel))
		defer balances.Stop()
	}

	service := ledger.NewService(ledger.ServiceConfig{
		TxManager:  txManager,
		Entries:    ledger_repo.NewEntryRepo(txManager),
		Aggregates: ledger_repo.NewAggregateRepo(txManager),
		Warehouses: ledger_repo.NewWarehouseRegistry(txManager),
		Journal:    postgres.NewOutboxJournal(txManager),
		Publisher:  notify.Fanout{balances, backend.Publisher},
		Audit:      auditService,
	})

	checks := map[string]handlers.Pinger{"database": pool}
	if backend.Redis != nil {
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return backend.Redis.Ping(ctx).Err()
		})
	}

	// --- Router ---
	router := v1.NewRouter(v1.RouterConfig{
		Logger:   log,
		Service:  service,
		Balances: balances,
		History:  auditService,
		Retry: handlers.RetryPolicy{
			Attempts: cfg.Ledger.RetryAttempts,
			Backoff:  cfg.Ledger.RetryBackoff,
		},
		HealthChecks: checks,
		Version:      version,
		Development:  cfg.App.Development(),
	})

	// --- HTTP Server ---
	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second + cfg.Ledger.StatementTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", cfg.App.Port, "notify", cfg.Notify.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}
	cancel()

	log.Info("server stopped")
}
