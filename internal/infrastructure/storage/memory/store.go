// Package memory is an in-process implementation of the ledger repositories
// with a rollback-capable transaction manager. Transactions are serialized by
// a single store-wide lock, which trivially provides the per-ledger exclusion
// the Postgres implementation gets from row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
)

type txKey struct{}

// Store holds all state.
type Store struct {
	mu sync.Mutex

	entries    map[id.ID]*ledger.Entry
	aggregates map[ledger.Key]*ledger.Aggregate
	warehouses map[id.ID]struct{}
	journal    []ledger.ChangeEvent
	audit      []ledger.AuditRecord
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries:    make(map[id.ID]*ledger.Entry),
		aggregates: make(map[ledger.Key]*ledger.Aggregate),
		warehouses: make(map[id.ID]struct{}),
	}
}

// RunInTransaction runs fn holding the store lock. On error every change made
// by fn is discarded. Nested calls join the outer transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// ReadOnly runs fn in a transaction that is always rolled back.
func (s *Store) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	defer s.restore(snap)
	return fn(context.WithValue(ctx, txKey{}, true))
}

// Entries returns the entry repository.
func (s *Store) Entries() *EntryRepo { return &EntryRepo{s: s} }

// Aggregates returns the aggregate repository.
func (s *Store) Aggregates() *AggregateRepo { return &AggregateRepo{s: s} }

// Warehouses returns the warehouse registry.
func (s *Store) Warehouses() *Registry { return &Registry{s: s} }

// Journal returns the change journal.
func (s *Store) Journal() *Journal { return &Journal{s: s} }

// Audit returns the audit recorder.
func (s *Store) Audit() *AuditLog { return &AuditLog{s: s} }

// AddWarehouse registers a warehouse.
func (s *Store) AddWarehouse(warehouseID id.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warehouses[warehouseID] = struct{}{}
}

// Events returns the journaled change events.
func (s *Store) Events() []ledger.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.ChangeEvent(nil), s.journal...)
}

// AuditRecords returns the recorded audit trail.
func (s *Store) AuditRecords() []ledger.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.AuditRecord(nil), s.audit...)
}

// Corrupt overwrites an entry snapshot outside of any ledger operation.
// It exists for drift-detection tests.
func (s *Store) Corrupt(entryID id.ID, state ledger.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[entryID]; ok {
		e.SetSnapshot(state)
	}
}

type snapshot struct {
	entries    map[id.ID]*ledger.Entry
	aggregates map[ledger.Key]*ledger.Aggregate
	journal    int
	audit      int
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		entries:    make(map[id.ID]*ledger.Entry, len(s.entries)),
		aggregates: make(map[ledger.Key]*ledger.Aggregate, len(s.aggregates)),
		journal:    len(s.journal),
		audit:      len(s.audit),
	}
	for k, e := range s.entries {
		snap.entries[k] = e.Clone()
	}
	for k, a := range s.aggregates {
		snap.aggregates[k] = cloneAggregate(a)
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.entries = snap.entries
	s.aggregates = snap.aggregates
	s.journal = s.journal[:snap.journal]
	s.audit = s.audit[:snap.audit]
}

// access runs fn under the store lock unless ctx already holds it.
func (s *Store) access(ctx context.Context, fn func()) {
	if !inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	fn()
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

func cloneAggregate(a *ledger.Aggregate) *ledger.Aggregate {
	c := *a
	if a.LastEntryID != nil {
		last := *a.LastEntryID
		c.LastEntryID = &last
	}
	return &c
}

// activeSorted returns clones of the active entries of key matching keep, in replay order.
func (s *Store) activeSorted(key ledger.Key, keep func(e *ledger.Entry) bool) []*ledger.Entry {
	var out []*ledger.Entry
	for _, e := range s.entries {
		if e.Key() == key && e.IsActive() && keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortsBefore(out[j]) })
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
