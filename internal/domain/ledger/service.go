package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fuelledger/internal/core/apperror"
	"fuelledger/internal/core/id"
	"fuelledger/internal/core/tx"
	"fuelledger/internal/core/types"
	"fuelledger/pkg/logger"
)

// ServiceConfig wires the Service. Journal, Publisher and Audit are optional.
type ServiceConfig struct {
	TxManager  tx.Manager
	Entries    EntryRepository
	Aggregates AggregateRepository
	Warehouses WarehouseRegistry
	Journal    ChangeJournal
	Publisher  ChangePublisher
	Audit      AuditRecorder
}

// Service is the transaction orchestrator: every document mutation runs in one
// transaction that locks the affected aggregates, writes entries, recalculates
// and records the change before commit. Subscribers are notified after commit.
type Service struct {
	txManager  tx.Manager
	entries    EntryRepository
	aggregates AggregateRepository
	warehouses WarehouseRegistry
	journal    ChangeJournal
	publisher  ChangePublisher
	audit      AuditRecorder
	engine     *Engine
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		txManager:  cfg.TxManager,
		entries:    cfg.Entries,
		aggregates: cfg.Aggregates,
		warehouses: cfg.Warehouses,
		journal:    cfg.Journal,
		publisher:  cfg.Publisher,
		audit:      cfg.Audit,
		engine:     NewEngine(cfg.Entries, cfg.Aggregates),
	}
}

// Engine exposes the recalculation engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// mutation collects what a transaction changed.
type mutation struct {
	events []ChangeEvent
}

func (m *mutation) changed(e *Entry, at time.Time) {
	m.events = append(m.events, ChangeEvent{
		WarehouseID: e.WarehouseID,
		Product:     e.Product,
		EntryID:     e.ID,
		OccurredAt:  at,
	})
}

// CreateAndLink records the stock movement of a published document.
// Drafts are accepted and produce no entry.
func (s *Service) CreateAndLink(ctx context.Context, mc MutationContext, doc Document) (LinkResult, error) {
	mc = mc.normalized()
	if doc.Draft {
		return LinkResult{LinkState: LinkUnlinked}, nil
	}
	if err := doc.Validate(); err != nil {
		return LinkResult{}, err
	}
	if err := s.requireWarehouse(ctx, doc.WarehouseID); err != nil {
		return LinkResult{}, err
	}

	entry := newEntry(doc, mc)
	var (
		result LinkResult
		m      mutation
	)
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.lock(ctx, entry.Key()); err != nil {
			return err
		}
		if err := s.ensureUnlinked(ctx, entry.Source()); err != nil {
			return err
		}

		r, err := s.insert(ctx, mc, entry)
		if err != nil {
			return err
		}
		result = r

		if err := s.recordAudit(ctx, mc, AuditCreate, entry.ID, nil, result.Entry); err != nil {
			return err
		}
		m.changed(entry, mc.Now)
		return s.recordChanges(ctx, m.events)
	})
	if err != nil {
		return LinkResult{}, err
	}

	logger.Info(ctx, "ledger entry linked",
		"entry_id", result.EntryID,
		"source", doc.Source.String(),
		"key", entry.Key().String(),
		"fast_path", result.FastPath,
		"replayed", result.Replayed,
	)
	s.publish(ctx, m.events)
	return result, nil
}

// CreateTransfer records both legs of an internal movement atomically.
// The inbound leg is costed at the source warehouse's average cost after the
// outbound leg unless TotalCost is given.
func (s *Service) CreateTransfer(ctx context.Context, mc MutationContext, doc TransferDocument) (TransferResult, error) {
	mc = mc.normalized()
	if doc.Draft {
		return TransferResult{Out: LinkResult{LinkState: LinkUnlinked}, In: LinkResult{LinkState: LinkUnlinked}}, nil
	}
	if err := doc.Validate(); err != nil {
		return TransferResult{}, err
	}
	for _, wh := range []id.ID{doc.FromWarehouseID, doc.ToWarehouseID} {
		if err := s.requireWarehouse(ctx, wh); err != nil {
			return TransferResult{}, err
		}
	}

	out := newEntry(Document{
		WarehouseID:   doc.FromWarehouseID,
		Product:       doc.Product,
		Direction:     DirectionTransferOut,
		Quantity:      doc.Quantity,
		TotalCost:     types.Zero(),
		EffectiveDate: doc.EffectiveDate,
		Source:        SourceRef{Type: SourceMovementOut, ID: doc.SourceID},
	}, mc)

	var (
		result TransferResult
		m      mutation
	)
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		keys := []Key{out.Key(), {WarehouseID: doc.ToWarehouseID, Product: doc.Product}}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
		for _, k := range keys {
			if err := s.lock(ctx, k); err != nil {
				return err
			}
		}

		inRef := SourceRef{Type: SourceMovementIn, ID: doc.SourceID}
		for _, ref := range []SourceRef{out.Source(), inRef} {
			if err := s.ensureUnlinked(ctx, ref); err != nil {
				return err
			}
		}

		outRes, err := s.insert(ctx, mc, out)
		if err != nil {
			return err
		}

		cost := doc.TotalCost
		if cost.IsZero() {
			cost = outRes.Entry.AverageCostAfter.Mul(doc.Quantity).Round(types.MoneyScale)
		}
		in := newEntry(Document{
			WarehouseID:   doc.ToWarehouseID,
			Product:       doc.Product,
			Direction:     DirectionTransferIn,
			Quantity:      doc.Quantity,
			TotalCost:     cost,
			EffectiveDate: doc.EffectiveDate,
			Source:        inRef,
		}, mc)
		if err := validateAmounts(in.Direction, in.Quantity, in.TotalCost); err != nil {
			return err
		}

		inRes, err := s.insert(ctx, mc, in)
		if err != nil {
			return err
		}
		result = TransferResult{Out: outRes, In: inRes}

		for _, r := range []LinkResult{outRes, inRes} {
			if err := s.recordAudit(ctx, mc, AuditCreate, r.EntryID, nil, r.Entry); err != nil {
				return err
			}
			m.changed(r.Entry, mc.Now)
		}
		return s.recordChanges(ctx, m.events)
	})
	if err != nil {
		return TransferResult{}, err
	}

	logger.Info(ctx, "ledger transfer linked",
		"source_id", doc.SourceID,
		"from", doc.FromWarehouseID,
		"to", doc.ToWarehouseID,
		"product", doc.Product,
		"quantity", doc.Quantity.String(),
	)
	s.publish(ctx, m.events)
	return result, nil
}

// UpdateLinked changes quantity, cost and optionally the effective date of an
// active entry and recalculates its ledger from the earlier of the old and new
// dates.
func (s *Service) UpdateLinked(ctx context.Context, mc MutationContext, req UpdateRequest) (LinkResult, error) {
	mc = mc.normalized()
	if err := req.Validate(); err != nil {
		return LinkResult{}, err
	}

	current, err := s.entries.Get(ctx, req.EntryID)
	if err != nil {
		return LinkResult{}, err
	}
	if current.WarehouseID != req.WarehouseID {
		return LinkResult{}, apperror.NewValidation("entry cannot be moved to another warehouse").
			WithDetail("entry_warehouse_id", current.WarehouseID.String()).
			WithDetail("warehouse_id", req.WarehouseID.String())
	}
	if current.Product != req.Product {
		return LinkResult{}, apperror.NewValidation("entry cannot change product").
			WithDetail("entry_product", string(current.Product)).
			WithDetail("product", string(req.Product))
	}
	if err := validateAmounts(current.Direction, req.NewQuantity, req.NewTotalCost); err != nil {
		return LinkResult{}, err
	}

	var (
		result LinkResult
		m      mutation
	)
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		key := current.Key()
		if err := s.lock(ctx, key); err != nil {
			return err
		}

		before, err := s.entries.Get(ctx, req.EntryID)
		if err != nil {
			return err
		}
		if _, err := LinkStateOf(before).Next(EventEdit); err != nil {
			return err
		}
		if !before.Quantity.Equal(req.OldQuantity) || !before.TotalCost.Equal(req.OldTotalCost) {
			return &ConcurrentMutationError{
				Entity: "ledger entry",
				ID:     req.EntryID.String(),
				Reason: "stored quantity or cost differ from the expected old values",
			}
		}

		after := before.Clone()
		after.Quantity = req.NewQuantity
		after.TotalCost = req.NewTotalCost
		if !req.EffectiveDate.IsZero() {
			after.EffectiveDate = storageTime(req.EffectiveDate)
		}
		after.UpdatedAt = mc.Now
		after.UpdatedBy = mc.ActorID

		if err := s.entries.Update(ctx, after); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}

		from := before.EffectiveDate
		if after.EffectiveDate.Before(from) {
			from = after.EffectiveDate
		}
		r, err := s.recalculate(ctx, mc, key, from, after.ID)
		if err != nil {
			return err
		}
		result = r

		if err := s.recordAudit(ctx, mc, AuditUpdate, after.ID, before, result.Entry); err != nil {
			return err
		}
		m.changed(after, mc.Now)
		return s.recordChanges(ctx, m.events)
	})
	if err != nil {
		return LinkResult{}, err
	}

	logger.Info(ctx, "ledger entry updated",
		"entry_id", req.EntryID,
		"quantity", req.NewQuantity.String(),
		"total_cost", req.NewTotalCost.String(),
		"replayed", result.Replayed,
	)
	s.publish(ctx, m.events)
	return result, nil
}

// DeleteLinked soft-deletes an entry and recalculates as if it never existed.
func (s *Service) DeleteLinked(ctx context.Context, mc MutationContext, entryID id.ID) (LinkResult, error) {
	return s.toggle(ctx, mc, entryID, EventDelete)
}

// RestoreLinked reactivates a soft-deleted entry and recalculates.
func (s *Service) RestoreLinked(ctx context.Context, mc MutationContext, entryID id.ID) (LinkResult, error) {
	return s.toggle(ctx, mc, entryID, EventRestore)
}

func (s *Service) toggle(ctx context.Context, mc MutationContext, entryID id.ID, ev LinkEvent) (LinkResult, error) {
	mc = mc.normalized()

	current, err := s.entries.Get(ctx, entryID)
	if err != nil {
		return LinkResult{}, err
	}

	var (
		result LinkResult
		m      mutation
	)
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		key := current.Key()
		if err := s.lock(ctx, key); err != nil {
			return err
		}

		before, err := s.entries.Get(ctx, entryID)
		if err != nil {
			return err
		}
		next, err := LinkStateOf(before).Next(ev)
		if err != nil {
			return err
		}

		action := AuditDelete
		if ev == EventRestore {
			action = AuditRestore
			if err := s.ensureUnlinked(ctx, before.Source()); err != nil {
				return err
			}
			err = s.entries.Restore(ctx, entryID, mc.Now, mc.ActorID)
		} else {
			err = s.entries.SoftDelete(ctx, entryID, mc.Now, mc.ActorID)
		}
		if err != nil {
			return fmt.Errorf("%s entry: %w", ev, err)
		}

		r, err := s.recalculate(ctx, mc, key, before.EffectiveDate, entryID)
		if err != nil {
			return err
		}
		r.LinkState = next
		if r.Entry == nil {
			// Deleted entries are not replayed; report the stored row.
			if r.Entry, err = s.entries.Get(ctx, entryID); err != nil {
				return err
			}
		}
		result = r

		if err := s.recordAudit(ctx, mc, action, entryID, before, result.Entry); err != nil {
			return err
		}
		m.changed(before, mc.Now)
		return s.recordChanges(ctx, m.events)
	})
	if err != nil {
		return LinkResult{}, err
	}

	logger.Info(ctx, "ledger entry link changed",
		"entry_id", entryID,
		"event", ev,
		"link_state", result.LinkState,
		"replayed", result.Replayed,
	)
	s.publish(ctx, m.events)
	return result, nil
}

// GetBalance returns the materialized aggregate when asOf is zero, otherwise a
// point-in-time balance reconstructed by replaying entries up to asOf.
func (s *Service) GetBalance(ctx context.Context, key Key, asOf time.Time) (Balance, error) {
	if !key.Product.Valid() {
		return Balance{}, apperror.NewValidation(fmt.Sprintf("unknown product %q", key.Product))
	}

	agg, err := s.aggregates.Get(ctx, key)
	if err != nil {
		return Balance{}, err
	}
	if asOf.IsZero() {
		return Balance{
			WarehouseID: key.WarehouseID,
			Product:     key.Product,
			State:       agg.State(),
			Version:     agg.Version,
		}, nil
	}

	asOf = storageTime(asOf)
	var state State
	err = s.readOnly(ctx, func(ctx context.Context) error {
		var err error
		state, _, err = s.engine.Replay(ctx, key, asOf)
		return err
	})
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		WarehouseID: key.WarehouseID,
		Product:     key.Product,
		State:       state,
		AsOf:        &asOf,
		Version:     agg.Version,
	}, nil
}

// ListBalances returns the current aggregates of a warehouse.
func (s *Service) ListBalances(ctx context.Context, warehouseID id.ID) ([]Balance, error) {
	aggs, err := s.aggregates.ListByWarehouse(ctx, warehouseID)
	if err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(aggs))
	for _, a := range aggs {
		out = append(out, Balance{
			WarehouseID: a.WarehouseID,
			Product:     a.Product,
			State:       a.State(),
			Version:     a.Version,
		})
	}
	return out, nil
}

// OpenWarehouse creates zeroed aggregates for every product. Idempotent.
func (s *Service) OpenWarehouse(ctx context.Context, mc MutationContext, warehouseID id.ID) error {
	mc = mc.normalized()
	if err := s.requireWarehouse(ctx, warehouseID); err != nil {
		return err
	}
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		for _, p := range Products() {
			if err := s.aggregates.Init(ctx, Key{WarehouseID: warehouseID, Product: p}, mc.Now); err != nil {
				return fmt.Errorf("init aggregate %s: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "warehouse ledgers opened", "warehouse_id", warehouseID)
	return nil
}

// Rebuild replays the whole history of key, repairing every snapshot and the aggregate.
func (s *Service) Rebuild(ctx context.Context, mc MutationContext, key Key) (ReplayResult, error) {
	mc = mc.normalized()
	var result ReplayResult
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		r, err := s.engine.RecalculateFrom(ctx, key, time.Time{}, State{}, mc.Now)
		if err != nil {
			return err
		}
		result = r
		return s.recordAudit(ctx, mc, AuditRebuild, key.WarehouseID, nil, nil)
	})
	if err != nil {
		return ReplayResult{}, err
	}

	logger.Info(ctx, "ledger rebuilt",
		"key", key.String(),
		"replayed", result.Replayed,
		"balance", result.State.Balance.String(),
	)
	s.publish(ctx, []ChangeEvent{{WarehouseID: key.WarehouseID, Product: key.Product, OccurredAt: mc.Now}})
	return result, nil
}

// Verify reports drift between stored snapshots and a full replay of key.
func (s *Service) Verify(ctx context.Context, key Key) (VerifyReport, error) {
	var report VerifyReport
	err := s.readOnly(ctx, func(ctx context.Context) error {
		var err error
		report, err = s.engine.Verify(ctx, key)
		return err
	})
	if err != nil {
		return VerifyReport{}, err
	}
	if !report.Consistent() {
		logger.Warn(ctx, "ledger drift detected",
			"key", key.String(),
			"drifted", len(report.Drifted),
			"aggregate_drift", report.AggregateDrift,
			"failure", report.Failure,
		)
	}
	return report, nil
}

// insert appends e to its locked ledger, through the fast path when e sorts
// after every active entry and through a replay otherwise.
func (s *Service) insert(ctx context.Context, mc MutationContext, e *Entry) (LinkResult, error) {
	key := e.Key()
	agg, err := s.aggregates.GetForUpdate(ctx, key)
	if err != nil {
		return LinkResult{}, err
	}
	latest, err := s.entries.Latest(ctx, key)
	if err != nil {
		return LinkResult{}, fmt.Errorf("latest entry: %w", err)
	}

	if latest == nil || latest.SortsBefore(e) {
		state, err := s.engine.AppendFast(ctx, agg, e, mc.Now)
		if err != nil {
			return LinkResult{}, err
		}
		return LinkResult{
			EntryID:   e.ID,
			LinkState: LinkLinked,
			Entry:     e.Clone(),
			Aggregate: state,
			FastPath:  true,
		}, nil
	}

	if err := s.entries.Append(ctx, e); err != nil {
		return LinkResult{}, fmt.Errorf("append entry: %w", err)
	}
	return s.recalculate(ctx, mc, key, e.EffectiveDate, e.ID)
}

// recalculate replays key from the given date and reports entryID's new state.
func (s *Service) recalculate(ctx context.Context, mc MutationContext, key Key, from time.Time, entryID id.ID) (LinkResult, error) {
	start, err := s.engine.StartingState(ctx, key, from)
	if err != nil {
		return LinkResult{}, err
	}
	r, err := s.engine.RecalculateFrom(ctx, key, from, start, mc.Now)
	if err != nil {
		return LinkResult{}, err
	}

	res := LinkResult{
		EntryID:   entryID,
		LinkState: LinkLinked,
		Aggregate: r.State,
		Replayed:  r.Replayed,
	}
	if e := r.Find(entryID); e != nil {
		res.Entry = e.Clone()
	}
	return res, nil
}

func (s *Service) lock(ctx context.Context, key Key) error {
	_, err := s.aggregates.GetForUpdate(ctx, key)
	return err
}

func (s *Service) ensureUnlinked(ctx context.Context, ref SourceRef) error {
	existing, err := s.entries.FindActiveBySource(ctx, ref)
	if err != nil {
		return fmt.Errorf("find entry by source: %w", err)
	}
	if existing != nil {
		return NewLinkConflict(ref)
	}
	return nil
}

func (s *Service) requireWarehouse(ctx context.Context, warehouseID id.ID) error {
	if s.warehouses == nil {
		return nil
	}
	ok, err := s.warehouses.Exists(ctx, warehouseID)
	if err != nil {
		return fmt.Errorf("check warehouse: %w", err)
	}
	if !ok {
		return apperror.NewNotFound("warehouse", warehouseID.String())
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, mc MutationContext, action AuditAction, entityID id.ID, before, after *Entry) error {
	if s.audit == nil {
		return nil
	}
	err := s.audit.Record(ctx, AuditRecord{
		EntityID: entityID,
		Action:   action,
		ActorID:  mc.ActorID,
		At:       mc.Now,
		Before:   before,
		After:    after,
	})
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (s *Service) recordChanges(ctx context.Context, events []ChangeEvent) error {
	if s.journal == nil || len(events) == 0 {
		return nil
	}
	if err := s.journal.Record(ctx, events); err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}

// publish notifies subscribers after commit. Failures are logged and never
// affect the committed mutation.
func (s *Service) publish(ctx context.Context, events []ChangeEvent) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			logger.Warn(ctx, "failed to publish ledger change",
				"key", ev.Key().String(),
				"entry_id", ev.EntryID,
				"error", err,
			)
		}
	}
}

func (s *Service) readOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	if ro, ok := s.txManager.(tx.ReadOnlyManager); ok {
		return ro.ReadOnly(ctx, fn)
	}
	return fn(ctx)
}

func newEntry(doc Document, mc MutationContext) *Entry {
	return &Entry{
		ID:            id.New(),
		WarehouseID:   doc.WarehouseID,
		Product:       doc.Product,
		Direction:     doc.Direction,
		SourceType:    doc.Source.Type,
		SourceID:      doc.Source.ID,
		Quantity:      doc.Quantity,
		TotalCost:     doc.TotalCost,
		EffectiveDate: storageTime(doc.EffectiveDate),
		Status:        StatusActive,
		CreatedAt:     mc.Now,
		CreatedBy:     mc.ActorID,
		UpdatedAt:     mc.Now,
		UpdatedBy:     mc.ActorID,
	}
}
