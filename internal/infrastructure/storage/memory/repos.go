package memory

import (
	"context"
	"fmt"
	"time"

	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
)

// EntryRepo implements ledger.EntryRepository.
type EntryRepo struct{ s *Store }

var _ ledger.EntryRepository = (*EntryRepo)(nil)

func (r *EntryRepo) Append(ctx context.Context, e *ledger.Entry) error {
	var err error
	r.s.access(ctx, func() {
		if _, exists := r.s.entries[e.ID]; exists {
			err = fmt.Errorf("entry %s already exists", e.ID)
			return
		}
		if e.IsActive() && r.s.findActive(e.Source()) != nil {
			err = ledger.NewLinkConflict(e.Source())
			return
		}
		r.s.entries[e.ID] = e.Clone()
	})
	return err
}

func (r *EntryRepo) Get(ctx context.Context, entryID id.ID) (*ledger.Entry, error) {
	var out *ledger.Entry
	r.s.access(ctx, func() {
		if e, ok := r.s.entries[entryID]; ok {
			out = e.Clone()
		}
	})
	if out == nil {
		return nil, &ledger.EntryNotFoundError{EntryID: entryID}
	}
	return out, nil
}

func (r *EntryRepo) FindActiveBySource(ctx context.Context, ref ledger.SourceRef) (*ledger.Entry, error) {
	var out *ledger.Entry
	r.s.access(ctx, func() {
		if e := r.s.findActive(ref); e != nil {
			out = e.Clone()
		}
	})
	return out, nil
}

func (s *Store) findActive(ref ledger.SourceRef) *ledger.Entry {
	for _, e := range s.entries {
		if e.IsActive() && e.Source() == ref {
			return e
		}
	}
	return nil
}

func (r *EntryRepo) Update(ctx context.Context, e *ledger.Entry) error {
	var err error
	r.s.access(ctx, func() {
		stored, ok := r.s.entries[e.ID]
		if !ok || !stored.IsActive() {
			err = &ledger.EntryNotFoundError{EntryID: e.ID}
			return
		}
		stored.Quantity = e.Quantity
		stored.TotalCost = e.TotalCost
		stored.EffectiveDate = e.EffectiveDate
		stored.UpdatedAt = e.UpdatedAt
		stored.UpdatedBy = e.UpdatedBy
	})
	return err
}

func (r *EntryRepo) SoftDelete(ctx context.Context, entryID id.ID, at time.Time, actorID string) error {
	var err error
	r.s.access(ctx, func() {
		stored, ok := r.s.entries[entryID]
		if !ok || !stored.IsActive() {
			err = &ledger.EntryNotFoundError{EntryID: entryID}
			return
		}
		actor := actorID
		stored.Status = ledger.StatusDeleted
		stored.DeletedAt = timePtr(at)
		stored.DeletedBy = &actor
		stored.UpdatedAt = at
		stored.UpdatedBy = actorID
	})
	return err
}

func (r *EntryRepo) Restore(ctx context.Context, entryID id.ID, at time.Time, actorID string) error {
	var err error
	r.s.access(ctx, func() {
		stored, ok := r.s.entries[entryID]
		if !ok || stored.IsActive() {
			err = &ledger.EntryNotFoundError{EntryID: entryID}
			return
		}
		if r.s.findActive(stored.Source()) != nil {
			err = ledger.NewLinkConflict(stored.Source())
			return
		}
		stored.Status = ledger.StatusActive
		stored.UpdatedAt = at
		stored.UpdatedBy = actorID
	})
	return err
}

func (r *EntryRepo) ListFrom(ctx context.Context, key ledger.Key, from time.Time) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	r.s.access(ctx, func() {
		out = r.s.activeSorted(key, func(e *ledger.Entry) bool { return !e.EffectiveDate.Before(from) })
	})
	return out, nil
}

func (r *EntryRepo) ListUntil(ctx context.Context, key ledger.Key, until time.Time) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	r.s.access(ctx, func() {
		out = r.s.activeSorted(key, func(e *ledger.Entry) bool { return !e.EffectiveDate.After(until) })
	})
	return out, nil
}

func (r *EntryRepo) LastBefore(ctx context.Context, key ledger.Key, before time.Time) (*ledger.Entry, error) {
	var out []*ledger.Entry
	r.s.access(ctx, func() {
		out = r.s.activeSorted(key, func(e *ledger.Entry) bool { return e.EffectiveDate.Before(before) })
	})
	if len(out) == 0 {
		return nil, nil
	}
	return out[len(out)-1], nil
}

func (r *EntryRepo) Latest(ctx context.Context, key ledger.Key) (*ledger.Entry, error) {
	var out []*ledger.Entry
	r.s.access(ctx, func() {
		out = r.s.activeSorted(key, func(*ledger.Entry) bool { return true })
	})
	if len(out) == 0 {
		return nil, nil
	}
	return out[len(out)-1], nil
}

func (r *EntryRepo) SaveSnapshots(ctx context.Context, entries []*ledger.Entry) error {
	var err error
	r.s.access(ctx, func() {
		for _, e := range entries {
			stored, ok := r.s.entries[e.ID]
			if !ok {
				err = &ledger.EntryNotFoundError{EntryID: e.ID}
				return
			}
			stored.SetSnapshot(e.Snapshot())
		}
	})
	return err
}

// AggregateRepo implements ledger.AggregateRepository.
type AggregateRepo struct{ s *Store }

var _ ledger.AggregateRepository = (*AggregateRepo)(nil)

func (r *AggregateRepo) Init(ctx context.Context, key ledger.Key, at time.Time) error {
	r.s.access(ctx, func() {
		if _, ok := r.s.aggregates[key]; !ok {
			r.s.aggregates[key] = ledger.NewAggregate(key, at)
		}
	})
	return nil
}

func (r *AggregateRepo) Get(ctx context.Context, key ledger.Key) (*ledger.Aggregate, error) {
	var out *ledger.Aggregate
	r.s.access(ctx, func() {
		if a, ok := r.s.aggregates[key]; ok {
			out = cloneAggregate(a)
		}
	})
	if out == nil {
		return nil, ledger.NewAggregateNotFound(key)
	}
	return out, nil
}

// GetForUpdate equals Get: the transaction already holds the store lock.
func (r *AggregateRepo) GetForUpdate(ctx context.Context, key ledger.Key) (*ledger.Aggregate, error) {
	return r.Get(ctx, key)
}

func (r *AggregateRepo) Save(ctx context.Context, agg *ledger.Aggregate) error {
	var err error
	r.s.access(ctx, func() {
		stored, ok := r.s.aggregates[agg.Key()]
		if !ok {
			err = ledger.NewAggregateNotFound(agg.Key())
			return
		}
		if stored.Version != agg.Version {
			err = &ledger.ConcurrentMutationError{
				Entity: "warehouse aggregate",
				ID:     agg.Key().String(),
				Reason: fmt.Sprintf("version %d is stale, current is %d", agg.Version, stored.Version),
			}
			return
		}
		agg.Version++
		r.s.aggregates[agg.Key()] = cloneAggregate(agg)
	})
	return err
}

func (r *AggregateRepo) ListByWarehouse(ctx context.Context, warehouseID id.ID) ([]*ledger.Aggregate, error) {
	var out []*ledger.Aggregate
	r.s.access(ctx, func() {
		for _, p := range ledger.Products() {
			if a, ok := r.s.aggregates[ledger.Key{WarehouseID: warehouseID, Product: p}]; ok {
				out = append(out, cloneAggregate(a))
			}
		}
	})
	return out, nil
}

// Registry implements ledger.WarehouseRegistry.
type Registry struct{ s *Store }

func (r *Registry) Exists(ctx context.Context, warehouseID id.ID) (bool, error) {
	var ok bool
	r.s.access(ctx, func() {
		_, ok = r.s.warehouses[warehouseID]
	})
	return ok, nil
}

// Journal implements ledger.ChangeJournal.
type Journal struct{ s *Store }

func (j *Journal) Record(ctx context.Context, events []ledger.ChangeEvent) error {
	j.s.access(ctx, func() {
		j.s.journal = append(j.s.journal, events...)
	})
	return nil
}

// AuditLog implements ledger.AuditRecorder.
type AuditLog struct{ s *Store }

func (a *AuditLog) Record(ctx context.Context, rec ledger.AuditRecord) error {
	a.s.access(ctx, func() {
		a.s.audit = append(a.s.audit, rec)
	})
	return nil
}
