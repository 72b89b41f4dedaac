package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
)

type countingLoader struct {
	calls   atomic.Int32
	balance decimal.Decimal
	err     error
}

func (l *countingLoader) load(_ context.Context, key ledger.Key) (ledger.Balance, error) {
	l.calls.Add(1)
	if l.err != nil {
		return ledger.Balance{}, l.err
	}
	return ledger.Balance{
		WarehouseID: key.WarehouseID,
		Product:     key.Product,
		State:       ledger.State{Balance: l.balance},
	}, nil
}

func testKey() ledger.Key {
	return ledger.Key{WarehouseID: id.New(), Product: ledger.ProductFuel}
}

func TestBalanceCache_ReadThrough(t *testing.T) {
	c := NewBalanceCache(time.Minute)
	key := testKey()
	src := &countingLoader{balance: decimal.NewFromInt(100)}

	b, err := c.Get(context.Background(), key, src.load)
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(decimal.NewFromInt(100)))

	_, err = c.Get(context.Background(), key, src.load)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	stats := c.GetStats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestBalanceCache_Expiry(t *testing.T) {
	c := NewBalanceCache(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	key := testKey()
	src := &countingLoader{balance: decimal.NewFromInt(1)}

	_, _ = c.Get(context.Background(), key, src.load)
	now = now.Add(2 * time.Minute)
	_, _ = c.Get(context.Background(), key, src.load)

	assert.Equal(t, int32(2), src.calls.Load())
}

func TestBalanceCache_LoadErrorIsNotCached(t *testing.T) {
	c := NewBalanceCache(time.Minute)
	src := &countingLoader{err: errors.New("db down")}

	_, err := c.Get(context.Background(), testKey(), src.load)
	assert.Error(t, err)
	assert.Equal(t, 0, c.GetStats().Entries)
}

func TestBalanceCache_PublishEvictsKey(t *testing.T) {
	c := NewBalanceCache(time.Minute)
	key, other := testKey(), testKey()
	src := &countingLoader{balance: decimal.NewFromInt(5)}

	var evicted []ledger.Key
	c.OnInvalidation(func(k ledger.Key) { evicted = append(evicted, k) })

	_, _ = c.Get(context.Background(), key, src.load)
	_, _ = c.Get(context.Background(), other, src.load)

	require.NoError(t, c.Publish(context.Background(), ledger.ChangeEvent{
		WarehouseID: key.WarehouseID,
		Product:     key.Product,
	}))
	assert.Equal(t, []ledger.Key{key}, evicted)
	assert.Equal(t, 1, c.GetStats().Entries)

	_, _ = c.Get(context.Background(), key, src.load)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestBalanceCache_InvalidationDuringLoadDiscardsResult(t *testing.T) {
	c := NewBalanceCache(time.Minute)
	key := testKey()

	stale := func(ctx context.Context, k ledger.Key) (ledger.Balance, error) {
		// A mutation commits while the read is in flight.
		c.Invalidate(k)
		return ledger.Balance{WarehouseID: k.WarehouseID, Product: k.Product}, nil
	}

	_, err := c.Get(context.Background(), key, stale)
	require.NoError(t, err)
	assert.Equal(t, 0, c.GetStats().Entries)
}

type chanFeed struct {
	events chan ledger.ChangeEvent
}

func (f *chanFeed) Run(ctx context.Context, handle func(context.Context, ledger.ChangeEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-f.events:
			handle(ctx, ev)
		}
	}
}

func TestBalanceCache_FeedInvalidates(t *testing.T) {
	c := NewBalanceCache(time.Minute)
	key := testKey()
	src := &countingLoader{balance: decimal.NewFromInt(7)}
	_, _ = c.Get(context.Background(), key, src.load)

	evicted := make(chan ledger.Key, 1)
	c.OnInvalidation(func(k ledger.Key) { evicted <- k })

	feed := &chanFeed{events: make(chan ledger.ChangeEvent)}
	c.Start(context.Background(), feed)
	defer c.Stop()

	feed.events <- ledger.ChangeEvent{WarehouseID: key.WarehouseID, Product: key.Product}

	select {
	case k := <-evicted:
		assert.Equal(t, key, k)
	case <-time.After(time.Second):
		t.Fatal("feed event did not evict the key")
	}
	assert.Equal(t, 0, c.GetStats().Entries)
}
