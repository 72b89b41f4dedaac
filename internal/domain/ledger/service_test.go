package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuelledger/internal/core/apperror"
	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/storage/memory"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return base.AddDate(0, 0, n) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), append([]any{fmt.Sprintf("want %s, got %s", want, got)}, msgAndArgs...)...)
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	publisher *memory.Publisher
	svc       *ledger.Service
	wh        id.ID

	mu    sync.Mutex
	clock time.Time
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	pub := &memory.Publisher{}
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     store,
		publisher: pub,
		clock:     time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		svc: ledger.NewService(ledger.ServiceConfig{
			TxManager:  store,
			Entries:    store.Entries(),
			Aggregates: store.Aggregates(),
			Warehouses: store.Warehouses(),
			Journal:    store.Journal(),
			Publisher:  pub,
			Audit:      store.Audit(),
		}),
	}
	f.wh = f.openWarehouse()
	return f
}

func (f *fixture) openWarehouse() id.ID {
	wh := id.New()
	f.store.AddWarehouse(wh)
	require.NoError(f.t, f.svc.OpenWarehouse(f.ctx, f.mc(), wh))
	return wh
}

// mc returns a mutation context with a strictly increasing clock.
func (f *fixture) mc() ledger.MutationContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Second)
	return ledger.MutationContext{ActorID: "tester", Now: f.clock}
}

func (f *fixture) nextSource(t ledger.SourceType) ledger.SourceRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return ledger.SourceRef{Type: t, ID: fmt.Sprintf("doc-%d", f.seq)}
}

func (f *fixture) key() ledger.Key {
	return ledger.Key{WarehouseID: f.wh, Product: ledger.ProductFuel}
}

func (f *fixture) receipt(at time.Time, qty, cost string) (ledger.LinkResult, error) {
	return f.svc.CreateAndLink(f.ctx, f.mc(), ledger.Document{
		WarehouseID:   f.wh,
		Product:       ledger.ProductFuel,
		Direction:     ledger.DirectionReceipt,
		Quantity:      dec(qty),
		TotalCost:     dec(cost),
		EffectiveDate: at,
		Source:        f.nextSource(ledger.SourceOptDeal),
	})
}

func (f *fixture) sale(at time.Time, qty string) (ledger.LinkResult, error) {
	return f.svc.CreateAndLink(f.ctx, f.mc(), ledger.Document{
		WarehouseID:   f.wh,
		Product:       ledger.ProductFuel,
		Direction:     ledger.DirectionSale,
		Quantity:      dec(qty),
		TotalCost:     decimal.Zero,
		EffectiveDate: at,
		Source:        f.nextSource(ledger.SourceRefueling),
	})
}

func (f *fixture) mustReceipt(at time.Time, qty, cost string) ledger.LinkResult {
	f.t.Helper()
	r, err := f.receipt(at, qty, cost)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) mustSale(at time.Time, qty string) ledger.LinkResult {
	f.t.Helper()
	r, err := f.sale(at, qty)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) entry(entryID id.ID) *ledger.Entry {
	f.t.Helper()
	e, err := f.store.Entries().Get(f.ctx, entryID)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) aggregate() *ledger.Aggregate {
	f.t.Helper()
	a, err := f.store.Aggregates().Get(f.ctx, f.key())
	require.NoError(f.t, err)
	return a
}

func (f *fixture) assertConsistent() {
	f.t.Helper()
	report, err := f.svc.Verify(f.ctx, f.key())
	require.NoError(f.t, err)
	assert.True(f.t, report.Consistent(), "ledger drifted: %+v", report)
}

func TestCreateAndLink_AppendUsesFastPath(t *testing.T) {
	f := newFixture(t)

	r1 := f.mustReceipt(day(1), "100", "100")
	assert.True(t, r1.FastPath)
	assert.Equal(t, ledger.LinkLinked, r1.LinkState)
	assertDec(t, "100", r1.Entry.BalanceAfter)
	assertDec(t, "1", r1.Entry.AverageCostAfter)

	r2 := f.mustSale(day(2), "40")
	assert.True(t, r2.FastPath)
	assertDec(t, "60", r2.Aggregate.Balance)

	agg := f.aggregate()
	assertDec(t, "60", agg.Balance)
	assertDec(t, "1", agg.AverageCost)
	require.NotNil(t, agg.LastEntryID)
	assert.Equal(t, r2.EntryID, *agg.LastEntryID)

	assert.Len(t, f.publisher.Published(), 2)
	assert.Len(t, f.store.Events(), 2)
	f.assertConsistent()
}

func TestCreateAndLink_DraftProducesNoEntry(t *testing.T) {
	f := newFixture(t)

	r, err := f.svc.CreateAndLink(f.ctx, f.mc(), ledger.Document{Draft: true})
	require.NoError(t, err)
	assert.Equal(t, ledger.LinkUnlinked, r.LinkState)
	assert.Nil(t, r.Entry)
	assert.Equal(t, int64(0), f.aggregate().Version)
	assert.Empty(t, f.publisher.Published())
}

func TestCreateAndLink_BackdateCascade(t *testing.T) {
	f := newFixture(t)

	e1 := f.mustReceipt(day(1), "100", "100")
	e2 := f.mustSale(day(3), "40")
	e3 := f.mustReceipt(day(5), "20", "30")
	assertDec(t, "80", f.entry(e3.EntryID).BalanceAfter)
	assertDec(t, "1.125", f.entry(e3.EntryID).AverageCostAfter)

	e0 := f.mustReceipt(day(0), "50", "40")
	assert.False(t, e0.FastPath)
	assert.Equal(t, 4, e0.Replayed)

	assertDec(t, "50", f.entry(e0.EntryID).BalanceAfter)
	assertDec(t, "0.8", f.entry(e0.EntryID).AverageCostAfter)

	assertDec(t, "150", f.entry(e1.EntryID).BalanceAfter)
	assertDec(t, "0.93333333", f.entry(e1.EntryID).AverageCostAfter)

	assertDec(t, "110", f.entry(e2.EntryID).BalanceAfter)
	assertDec(t, "0.93333333", f.entry(e2.EntryID).AverageCostAfter)

	assertDec(t, "130", f.entry(e3.EntryID).BalanceAfter)
	assertDec(t, "1.02051282", f.entry(e3.EntryID).AverageCostAfter)

	agg := f.aggregate()
	assertDec(t, "130", agg.Balance)
	assertDec(t, "1.02051282", agg.AverageCost)
	f.assertConsistent()
}

func TestCreateAndLink_FastPathMatchesReplay(t *testing.T) {
	type op struct {
		day  int
		qty  string
		cost string
	}
	ops := []op{
		{1, "100", "153.17"},
		{2, "-30", ""},
		{3, "12.3456", "20.0001"},
		{4, "-50.5", ""},
		{5, "7", "13.1313"},
		{6, "-10", ""},
		{7, "33", "59.9999"},
	}

	apply := func(f *fixture, o op) {
		if o.cost == "" {
			f.mustSale(day(o.day), o.qty[1:])
			return
		}
		f.mustReceipt(day(o.day), o.qty, o.cost)
	}

	// Chronological: every entry goes through the fast path.
	forward := newFixture(t)
	for _, o := range ops {
		apply(forward, o)
	}

	// Receipts first, then sales backdated between them: every sale replays.
	backdated := newFixture(t)
	for _, o := range ops {
		if o.cost != "" {
			apply(backdated, o)
		}
	}
	for _, o := range ops {
		if o.cost == "" {
			apply(backdated, o)
		}
	}

	a, b := forward.aggregate(), backdated.aggregate()
	assert.Equal(t, a.Balance.String(), b.Balance.String())
	assert.Equal(t, a.AverageCost.String(), b.AverageCost.String())

	fe, err := forward.store.Entries().ListFrom(forward.ctx, forward.key(), time.Time{})
	require.NoError(t, err)
	be, err := backdated.store.Entries().ListFrom(backdated.ctx, backdated.key(), time.Time{})
	require.NoError(t, err)
	require.Len(t, be, len(fe))
	for i := range fe {
		assert.True(t, fe[i].Snapshot().Equal(be[i].Snapshot()), "entry %d: %s vs %s", i, fe[i].Snapshot(), be[i].Snapshot())
	}
	forward.assertConsistent()
	backdated.assertConsistent()
}

func TestCreateAndLink_InsufficientStockRejected(t *testing.T) {
	f := newFixture(t)
	f.mustReceipt(day(1), "30", "60")
	before := f.aggregate()

	for _, at := range []time.Time{day(2), day(0), day(1)} {
		_, err := f.sale(at, "40")
		require.Error(t, err)
		assert.True(t, ledger.IsInsufficientStock(err))
		assert.True(t, apperror.IsInsufficientStock(err))
		assert.Equal(t, 422, apperror.GetHTTPStatus(err))
	}

	after := f.aggregate()
	assertDec(t, "30", after.Balance)
	assert.Equal(t, before.Version, after.Version)

	all, err := f.store.Entries().ListFrom(f.ctx, f.key(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, f.publisher.Published(), 1, "rolled back work is never announced")
	assert.Len(t, f.store.Events(), 1)
}

func TestCreateAndLink_BackdatedSaleNamesFirstOffendingEntry(t *testing.T) {
	f := newFixture(t)
	f.mustReceipt(day(1), "100", "100")
	later := f.mustSale(day(5), "80")

	_, err := f.sale(day(3), "30")
	require.Error(t, err)

	var is *ledger.InsufficientStockError
	require.True(t, errors.As(err, &is))
	assert.Equal(t, later.EntryID, is.EntryID)
	assertDec(t, "70", is.Available)
	assertDec(t, "80", is.Requested)

	assertDec(t, "20", f.aggregate().Balance)
	f.assertConsistent()
}

func TestCreateAndLink_LinkageUniqueness(t *testing.T) {
	f := newFixture(t)
	doc := ledger.Document{
		WarehouseID:   f.wh,
		Product:       ledger.ProductFuel,
		Direction:     ledger.DirectionReceipt,
		Quantity:      dec("10"),
		TotalCost:     dec("20"),
		EffectiveDate: day(1),
		Source:        ledger.SourceRef{Type: ledger.SourceOptDeal, ID: "deal-42"},
	}

	first, err := f.svc.CreateAndLink(f.ctx, f.mc(), doc)
	require.NoError(t, err)

	_, err = f.svc.CreateAndLink(f.ctx, f.mc(), doc)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeDuplicate))

	// After deletion the document may link again, and the old entry can no
	// longer be restored while the new one is live.
	_, err = f.svc.DeleteLinked(f.ctx, f.mc(), first.EntryID)
	require.NoError(t, err)
	second, err := f.svc.CreateAndLink(f.ctx, f.mc(), doc)
	require.NoError(t, err)
	assert.NotEqual(t, first.EntryID, second.EntryID)

	_, err = f.svc.RestoreLinked(f.ctx, f.mc(), first.EntryID)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeDuplicate))

	live, err := f.store.Entries().FindActiveBySource(f.ctx, doc.Source)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, second.EntryID, live.ID)
	assertDec(t, "10", f.aggregate().Balance)
}

func TestDeleteRestore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	e1 := f.mustReceipt(day(1), "100", "100")
	e2 := f.mustSale(day(3), "40")
	e3 := f.mustReceipt(day(5), "20", "30")

	snapshot := func() map[id.ID]ledger.State {
		return map[id.ID]ledger.State{
			e1.EntryID: f.entry(e1.EntryID).Snapshot(),
			e2.EntryID: f.entry(e2.EntryID).Snapshot(),
			e3.EntryID: f.entry(e3.EntryID).Snapshot(),
		}
	}
	before := snapshot()
	aggBefore := f.aggregate().State()

	del, err := f.svc.DeleteLinked(f.ctx, f.mc(), e2.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LinkDeleted, del.LinkState)
	require.NotNil(t, del.Entry)
	assert.Equal(t, ledger.StatusDeleted, del.Entry.Status)
	require.NotNil(t, del.Entry.DeletedAt)

	// As if the sale never existed.
	assertDec(t, "120", f.entry(e3.EntryID).BalanceAfter)
	assertDec(t, "1.08333333", f.entry(e3.EntryID).AverageCostAfter)
	assertDec(t, "120", f.aggregate().Balance)

	res, err := f.svc.RestoreLinked(f.ctx, f.mc(), e2.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LinkLinked, res.LinkState)

	after := snapshot()
	for entryID, want := range before {
		assert.True(t, want.Equal(after[entryID]), "entry %s: %s vs %s", entryID, want, after[entryID])
	}
	assert.True(t, aggBefore.Equal(f.aggregate().State()))
	f.assertConsistent()

	actions := make([]ledger.AuditAction, 0)
	for _, rec := range f.store.AuditRecords() {
		actions = append(actions, rec.Action)
	}
	assert.Contains(t, actions, ledger.AuditDelete)
	assert.Contains(t, actions, ledger.AuditRestore)
}

func TestDeleteLinked_RejectedWhenLaterOutboundWouldGoNegative(t *testing.T) {
	f := newFixture(t)
	f.mustReceipt(day(1), "50", "50")
	r2 := f.mustReceipt(day(2), "50", "100")
	sale := f.mustSale(day(3), "80")

	_, err := f.svc.DeleteLinked(f.ctx, f.mc(), r2.EntryID)
	require.Error(t, err)

	var is *ledger.InsufficientStockError
	require.True(t, errors.As(err, &is))
	assert.Equal(t, sale.EntryID, is.EntryID)

	assert.True(t, f.entry(r2.EntryID).IsActive())
	assertDec(t, "20", f.aggregate().Balance)
	f.assertConsistent()
}

func TestDeleteLinked_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	r := f.mustReceipt(day(1), "10", "10")

	_, err := f.svc.RestoreLinked(f.ctx, f.mc(), r.EntryID)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidTransition))

	_, err = f.svc.DeleteLinked(f.ctx, f.mc(), r.EntryID)
	require.NoError(t, err)

	_, err = f.svc.DeleteLinked(f.ctx, f.mc(), r.EntryID)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidTransition))

	_, err = f.svc.DeleteLinked(f.ctx, f.mc(), id.New())
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))
}

func TestUpdateLinked(t *testing.T) {
	f := newFixture(t)
	e1 := f.mustReceipt(day(1), "100", "100")
	e2 := f.mustSale(day(3), "40")
	e3 := f.mustReceipt(day(5), "20", "30")

	res, err := f.svc.UpdateLinked(f.ctx, f.mc(), ledger.UpdateRequest{
		EntryID:      e1.EntryID,
		WarehouseID:  f.wh,
		Product:      ledger.ProductFuel,
		OldQuantity:  dec("100"),
		NewQuantity:  dec("100"),
		OldTotalCost: dec("100"),
		NewTotalCost: dec("200"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Replayed)
	assertDec(t, "2", res.Entry.AverageCostAfter)

	assertDec(t, "2", f.entry(e2.EntryID).AverageCostAfter)
	// (60*2 + 30) / 80
	assertDec(t, "1.875", f.entry(e3.EntryID).AverageCostAfter)
	assertDec(t, "1.875", f.aggregate().AverageCost)
	f.assertConsistent()
}

func TestUpdateLinked_MovesEffectiveDate(t *testing.T) {
	f := newFixture(t)
	e1 := f.mustReceipt(day(1), "100", "100")
	sale := f.mustSale(day(4), "30")
	e3 := f.mustReceipt(day(6), "50", "100")

	// Moving the sale after the second receipt changes nothing but its own snapshot.
	_, err := f.svc.UpdateLinked(f.ctx, f.mc(), ledger.UpdateRequest{
		EntryID:       sale.EntryID,
		WarehouseID:   f.wh,
		Product:       ledger.ProductFuel,
		OldQuantity:   dec("30"),
		NewQuantity:   dec("30"),
		OldTotalCost:  decimal.Zero,
		NewTotalCost:  decimal.Zero,
		EffectiveDate: day(7),
	})
	require.NoError(t, err)

	assertDec(t, "100", f.entry(e1.EntryID).BalanceAfter)
	assertDec(t, "150", f.entry(e3.EntryID).BalanceAfter)
	moved := f.entry(sale.EntryID)
	assert.True(t, moved.EffectiveDate.Equal(day(7)))
	assertDec(t, "120", moved.BalanceAfter)

	// Moving it before every receipt overdraws.
	_, err = f.svc.UpdateLinked(f.ctx, f.mc(), ledger.UpdateRequest{
		EntryID:       sale.EntryID,
		WarehouseID:   f.wh,
		Product:       ledger.ProductFuel,
		OldQuantity:   dec("30"),
		NewQuantity:   dec("30"),
		OldTotalCost:  decimal.Zero,
		NewTotalCost:  decimal.Zero,
		EffectiveDate: day(0),
	})
	require.Error(t, err)
	assert.True(t, ledger.IsInsufficientStock(err))
	assert.True(t, f.entry(sale.EntryID).EffectiveDate.Equal(day(7)))
	f.assertConsistent()
}

func TestUpdateLinked_Rejections(t *testing.T) {
	f := newFixture(t)
	r := f.mustReceipt(day(1), "100", "100")

	req := ledger.UpdateRequest{
		EntryID:      r.EntryID,
		WarehouseID:  f.wh,
		Product:      ledger.ProductFuel,
		OldQuantity:  dec("100"),
		NewQuantity:  dec("90"),
		OldTotalCost: dec("100"),
		NewTotalCost: dec("90"),
	}

	t.Run("stale old values", func(t *testing.T) {
		stale := req
		stale.OldQuantity = dec("99")
		_, err := f.svc.UpdateLinked(f.ctx, f.mc(), stale)
		require.Error(t, err)
		assert.True(t, ledger.IsConcurrentMutation(err))
	})

	t.Run("other warehouse", func(t *testing.T) {
		moved := req
		moved.WarehouseID = f.openWarehouse()
		_, err := f.svc.UpdateLinked(f.ctx, f.mc(), moved)
		require.Error(t, err)
		assert.True(t, apperror.IsValidation(err))
	})

	t.Run("other product", func(t *testing.T) {
		moved := req
		moved.Product = ledger.ProductAdBlue
		_, err := f.svc.UpdateLinked(f.ctx, f.mc(), moved)
		require.Error(t, err)
		assert.True(t, apperror.IsValidation(err))
	})

	t.Run("zero cost inbound", func(t *testing.T) {
		free := req
		free.NewTotalCost = decimal.Zero
		_, err := f.svc.UpdateLinked(f.ctx, f.mc(), free)
		require.Error(t, err)
		assert.True(t, apperror.IsValidation(err))
	})

	t.Run("deleted entry", func(t *testing.T) {
		other := f.mustReceipt(day(2), "5", "5")
		_, err := f.svc.DeleteLinked(f.ctx, f.mc(), other.EntryID)
		require.NoError(t, err)

		edit := req
		edit.EntryID = other.EntryID
		edit.OldQuantity, edit.OldTotalCost = dec("5"), dec("5")
		_, err = f.svc.UpdateLinked(f.ctx, f.mc(), edit)
		require.Error(t, err)
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidTransition))
	})

	assertDec(t, "100", f.aggregate().Balance)
}

func TestGetBalance(t *testing.T) {
	f := newFixture(t)
	f.mustReceipt(day(1), "100", "100")
	f.mustSale(day(3), "40")
	f.mustReceipt(day(5), "20", "30")
	versionBefore := f.aggregate().Version

	current, err := f.svc.GetBalance(f.ctx, f.key(), time.Time{})
	require.NoError(t, err)
	assert.Nil(t, current.AsOf)
	assertDec(t, "80", current.Balance)
	assertDec(t, "1.125", current.AverageCost)

	past, err := f.svc.GetBalance(f.ctx, f.key(), day(3))
	require.NoError(t, err)
	require.NotNil(t, past.AsOf)
	assertDec(t, "60", past.Balance)
	assertDec(t, "1", past.AverageCost)

	empty, err := f.svc.GetBalance(f.ctx, f.key(), day(0))
	require.NoError(t, err)
	assert.True(t, empty.Balance.IsZero())

	assert.Equal(t, versionBefore, f.aggregate().Version, "point-in-time reads never write")
	f.assertConsistent()

	_, err = f.svc.GetBalance(f.ctx, ledger.Key{WarehouseID: id.New(), Product: ledger.ProductFuel}, time.Time{})
	assert.True(t, apperror.IsNotFound(err))
}

func TestProductsAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.mustReceipt(day(1), "100", "100")

	_, err := f.svc.CreateAndLink(f.ctx, f.mc(), ledger.Document{
		WarehouseID:   f.wh,
		Product:       ledger.ProductAdBlue,
		Direction:     ledger.DirectionSale,
		Quantity:      dec("1"),
		EffectiveDate: day(2),
		Source:        f.nextSource(ledger.SourceRefueling),
	})
	require.Error(t, err)
	assert.True(t, ledger.IsInsufficientStock(err))

	balances, err := f.svc.ListBalances(f.ctx, f.wh)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assertDec(t, "100", balances[0].Balance)
	assert.True(t, balances[1].Balance.IsZero())
}

func TestCreateTransfer(t *testing.T) {
	f := newFixture(t)
	to := f.openWarehouse()
	f.mustReceipt(day(1), "100", "200")

	doc := ledger.TransferDocument{
		SourceID:        "move-1",
		FromWarehouseID: f.wh,
		ToWarehouseID:   to,
		Product:         ledger.ProductFuel,
		Quantity:        dec("40"),
		EffectiveDate:   day(2),
	}
	res, err := f.svc.CreateTransfer(f.ctx, f.mc(), doc)
	require.NoError(t, err)

	assertDec(t, "60", res.Out.Aggregate.Balance)
	assertDec(t, "40", res.In.Aggregate.Balance)
	assertDec(t, "2", res.In.Aggregate.AverageCost)
	assertDec(t, "80", res.In.Entry.TotalCost)
	assert.Equal(t, ledger.SourceMovementOut, res.Out.Entry.SourceType)
	assert.Equal(t, ledger.SourceMovementIn, res.In.Entry.SourceType)

	_, err = f.svc.CreateTransfer(f.ctx, f.mc(), doc)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeDuplicate))

	tooMuch := doc
	tooMuch.SourceID = "move-2"
	tooMuch.Quantity = dec("61")
	_, err = f.svc.CreateTransfer(f.ctx, f.mc(), tooMuch)
	require.Error(t, err)
	assert.True(t, ledger.IsInsufficientStock(err))

	dest, err := f.svc.GetBalance(f.ctx, ledger.Key{WarehouseID: to, Product: ledger.ProductFuel}, time.Time{})
	require.NoError(t, err)
	assertDec(t, "40", dest.Balance)

	same := doc
	same.SourceID = "move-3"
	same.ToWarehouseID = f.wh
	_, err = f.svc.CreateTransfer(f.ctx, f.mc(), same)
	assert.True(t, apperror.IsValidation(err))
}

func TestCreateAndLink_UnknownWarehouse(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateAndLink(f.ctx, f.mc(), ledger.Document{
		WarehouseID:   id.New(),
		Product:       ledger.ProductFuel,
		Direction:     ledger.DirectionReceipt,
		Quantity:      dec("1"),
		TotalCost:     dec("1"),
		EffectiveDate: day(1),
		Source:        f.nextSource(ledger.SourceOptDeal),
	})
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))

	// Registered but never opened: the aggregate is missing, not defaulted.
	wh := id.New()
	f.store.AddWarehouse(wh)
	_, err = f.svc.CreateAndLink(f.ctx, f.mc(), ledger.Document{
		WarehouseID:   wh,
		Product:       ledger.ProductFuel,
		Direction:     ledger.DirectionReceipt,
		Quantity:      dec("1"),
		TotalCost:     dec("1"),
		EffectiveDate: day(1),
		Source:        f.nextSource(ledger.SourceOptDeal),
	})
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))
}

func TestPublishFailureDoesNotAbortMutation(t *testing.T) {
	f := newFixture(t)
	f.publisher.Err = errors.New("broker down")

	r := f.mustReceipt(day(1), "10", "10")

	assert.Equal(t, 1, f.publisher.Attempts())
	assert.Empty(t, f.publisher.Published())
	require.Len(t, f.store.Events(), 1, "journal still records the change for the relay")
	assert.Equal(t, r.EntryID, f.store.Events()[0].EntryID)
	assertDec(t, "10", f.aggregate().Balance)
}

func TestConcurrentMutationsSettleToReplay(t *testing.T) {
	f := newFixture(t)
	f.mustReceipt(day(0), "1000", "1000")

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := ledger.RetryOnConflict(f.ctx, 3, time.Millisecond, func(ctx context.Context) error {
				var err error
				if i%2 == 0 {
					_, err = f.receipt(day(workers-i), "10", fmt.Sprintf("%d", 10+i))
				} else {
					_, err = f.sale(day(workers-i), "5")
				}
				return err
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// 1000 + 8*10 - 8*5
	assertDec(t, "1040", f.aggregate().Balance)
	f.assertConsistent()
}

func TestVerifyAndRebuild(t *testing.T) {
	f := newFixture(t)
	f.mustReceipt(day(1), "100", "100")
	e2 := f.mustSale(day(3), "40")
	f.mustReceipt(day(5), "20", "30")

	f.store.Corrupt(e2.EntryID, ledger.State{Balance: dec("1"), AverageCost: dec("1")})

	report, err := f.svc.Verify(f.ctx, f.key())
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Equal(t, []id.ID{e2.EntryID}, report.Drifted)
	assert.False(t, report.AggregateDrift)

	res, err := f.svc.Rebuild(f.ctx, f.mc(), f.key())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Replayed)
	assertDec(t, "60", f.entry(e2.EntryID).BalanceAfter)
	f.assertConsistent()
}
