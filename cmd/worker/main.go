// Package main is the entry point for the fuel ledger background worker.
// It relays the change outbox to the configured notify backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	appctx "fuelledger/internal/core/context"
	"fuelledger/internal/infrastructure/notify"
	"fuelledger/internal/infrastructure/storage/postgres"
	"fuelledger/pkg/config"
	"fuelledger/pkg/logger"
)

const (
	relayLockKey       = "fuelledger:outbox-relay"
	maintenanceEvery   = time.Hour
	publishedRetention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.Development(),
		Service:     "fuelledger-worker",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()

	log.Infow("starting fuelledger outbox worker", "notify", cfg.Notify.Backend)

	pool, err := postgres.NewPool(ctx, postgres.PoolConfigFrom(cfg.DB))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	txManager := postgres.NewTxManager(pool, postgres.DefaultTxOptions())

	backend, err := notify.Open(ctx, cfg.Notify)
	if err != nil {
		log.Fatalw("failed to open notify backend", "backend", cfg.Notify.Backend, "error", err)
	}
	defer backend.Close()

	// The relay lock lives in Redis whatever the publish transport is.
	lockClient := backend.Redis
	if lockClient == nil {
		lockClient, err = notify.NewRedisClient(ctx, cfg.Notify)
		if err != nil {
			log.Fatalw("failed to connect to redis for the relay lock", "error", err)
		}
		defer lockClient.Close()
	}

	relay := postgres.NewOutboxRelay(txManager, cfg.Outbox.BatchSize, notify.NewRelayHandler(backend.Publisher))
	worker := NewOutboxWorker(relay, pool, lockClient, cfg.Outbox, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// OutboxWorker drains sys_outbox while holding a Redis lock, so at most one
// replica relays at a time.
type OutboxWorker struct {
	relay  *postgres.OutboxRelay
	pool   *postgres.Pool
	locker *redislock.Client
	cfg    config.OutboxConfig
	log    *logger.Logger
}

func NewOutboxWorker(relay *postgres.OutboxRelay, pool *postgres.Pool, client redis.UniversalClient, cfg config.OutboxConfig, log *logger.Logger) *OutboxWorker {
	return &OutboxWorker{
		relay:  relay,
		pool:   pool,
		locker: redislock.New(client),
		cfg:    cfg,
		log:    log.WithComponent("outbox-worker"),
	}
}

// Run polls until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	maintenance := time.NewTicker(maintenanceEvery)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.withLock(ctx, w.drain)
		case <-maintenance.C:
			w.withLock(ctx, w.maintain)
			postgres.LogPoolStats(ctx, w.pool)
		}
	}
}

// withLock runs fn under the relay lock; a held lock means another replica is active.
func (w *OutboxWorker) withLock(ctx context.Context, fn func(ctx context.Context)) {
	lock, err := w.locker.Obtain(ctx, relayLockKey, w.cfg.LockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return
	}
	if err != nil {
		w.log.Warnw("failed to obtain relay lock", "error", err)
		return
	}
	defer func() {
		// Release on a fresh context so shutdown does not leave the lock until TTL.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			w.log.Warnw("failed to release relay lock", "error", err)
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, w.cfg.LockTTL)
	defer cancel()
	fn(appctx.WithTrace(lockCtx, appctx.NewTraceContext()))
}

// drain relays full batches until the outbox is empty or the lock window closes.
func (w *OutboxWorker) drain(ctx context.Context) {
	total := 0
	for ctx.Err() == nil {
		n, err := w.relay.ProcessBatch(ctx)
		if err != nil {
			logger.Error(ctx, "outbox batch failed", "error", err)
			return
		}
		total += n
		if n == 0 || n < w.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		logger.Debug(ctx, "relayed outbox messages", "count", total)
	}
}

func (w *OutboxWorker) maintain(ctx context.Context) {
	moved, err := w.relay.MoveToDLQ(ctx)
	if err != nil {
		logger.Error(ctx, "move to DLQ failed", "error", err)
	} else if moved > 0 {
		logger.Warn(ctx, "moved failed outbox messages to DLQ", "count", moved)
	}

	purged, err := w.relay.PurgePublished(ctx, publishedRetention)
	if err != nil {
		logger.Error(ctx, "purge published outbox failed", "error", err)
	} else if purged > 0 {
		logger.Info(ctx, "purged published outbox messages", "count", purged)
	}
}
