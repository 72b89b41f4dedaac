// Package cache provides a read-through cache of current ledger balances,
// invalidated by change notifications.
package cache

import (
	"context"
	"sync"
	"time"

	"fuelledger/internal/domain/ledger"
	"fuelledger/pkg/logger"
)

// ChangeFeed delivers change events until ctx is cancelled.
type ChangeFeed interface {
	Run(ctx context.Context, handle func(context.Context, ledger.ChangeEvent)) error
}

// LoadFunc reads the current balance of a ledger from the source of truth.
type LoadFunc func(ctx context.Context, key ledger.Key) (ledger.Balance, error)

// InvalidationListener is called after a key is evicted.
type InvalidationListener func(key ledger.Key)

type cachedBalance struct {
	balance   ledger.Balance
	expiresAt time.Time
}

// BalanceCache caches current balances per (warehouse, product). Entries expire
// after ttl and are evicted as soon as a change event for their key arrives,
// either through Publish (same process) or from a ChangeFeed (other processes).
type BalanceCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[ledger.Key]cachedBalance
	// generation counts evictions per key; Flush bumps epoch.
	generation map[ledger.Key]uint64
	epoch      uint64
	hits       uint64
	misses  uint64

	listeners   []InvalidationListener
	listenersMu sync.RWMutex

	// Lifecycle
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

var _ ledger.ChangePublisher = (*BalanceCache)(nil)

// NewBalanceCache creates a cache. A non-positive ttl disables expiry.
func NewBalanceCache(ttl time.Duration) *BalanceCache {
	return &BalanceCache{
		ttl:        ttl,
		now:        time.Now,
		entries:    make(map[ledger.Key]cachedBalance),
		generation: make(map[ledger.Key]uint64),
	}
}

// Get returns the cached balance of key or loads and caches it.
func (c *BalanceCache) Get(ctx context.Context, key ledger.Key, load LoadFunc) (ledger.Balance, error) {
	c.mu.RLock()
	cached, ok := c.entries[key]
	gen, epoch := c.generation[key], c.epoch
	c.mu.RUnlock()

	if ok && (c.ttl <= 0 || c.now().Before(cached.expiresAt)) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return cached.balance, nil
	}

	balance, err := load(ctx, key)
	if err != nil {
		return ledger.Balance{}, err
	}

	c.mu.Lock()
	c.misses++
	// An eviction during the load means the loaded value may already be stale.
	if c.generation[key] == gen && c.epoch == epoch {
		c.entries[key] = cachedBalance{balance: balance, expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return balance, nil
}

// Invalidate evicts key and notifies listeners.
func (c *BalanceCache) Invalidate(key ledger.Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.generation[key]++
	c.mu.Unlock()

	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, listener := range c.listeners {
		func(l InvalidationListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(context.Background(), "listener panic recovered", "key", key.String(), "panic", r)
				}
			}()
			l(key)
		}(listener)
	}
}

// Publish implements ledger.ChangePublisher by evicting the event's key.
func (c *BalanceCache) Publish(_ context.Context, event ledger.ChangeEvent) error {
	c.Invalidate(event.Key())
	return nil
}

// OnInvalidation registers a callback for evictions.
func (c *BalanceCache) OnInvalidation(listener InvalidationListener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, listener)
	c.listenersMu.Unlock()
}

// Start consumes feed in the background, reconnecting after failures.
func (c *BalanceCache) Start(ctx context.Context, feed ChangeFeed) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.started = true

	c.wg.Add(1)
	go c.listenLoop(ctx, feed)
	logger.Info(ctx, "balance cache started")
}

// Stop ends the feed consumer and waits for it.
func (c *BalanceCache) Stop() {
	c.lifecycleMu.Lock()
	if !c.started {
		c.lifecycleMu.Unlock()
		return
	}
	cancel := c.cancel
	c.started = false
	c.cancel = nil
	c.lifecycleMu.Unlock()

	cancel()
	c.wg.Wait()
	logger.Info(context.Background(), "balance cache stopped")
}

func (c *BalanceCache) listenLoop(ctx context.Context, feed ChangeFeed) {
	defer c.wg.Done()

	for {
		err := feed.Run(ctx, func(_ context.Context, event ledger.ChangeEvent) {
			c.Invalidate(event.Key())
		})
		if ctx.Err() != nil {
			return
		}

		// Events may have been missed while disconnected.
		c.Flush()
		logger.Error(ctx, "change feed stopped, resubscribing", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Flush evicts everything.
func (c *BalanceCache) Flush() {
	c.mu.Lock()
	c.entries = make(map[ledger.Key]cachedBalance)
	c.epoch++
	c.mu.Unlock()
}

// CacheStats is a point-in-time view of cache usage.
type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// GetStats returns current cache statistics.
func (c *BalanceCache) GetStats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
