package ledger

import (
	"context"
	"time"

	"fuelledger/internal/core/id"
)

// EntryRepository persists ledger entries. Every method uses the transaction
// carried by ctx when there is one.
type EntryRepository interface {
	// Append inserts a new entry, snapshot included.
	Append(ctx context.Context, e *Entry) error

	// Get returns an entry in any status, or *EntryNotFoundError.
	Get(ctx context.Context, entryID id.ID) (*Entry, error)

	// FindActiveBySource returns the active entry linked to ref, or nil.
	FindActiveBySource(ctx context.Context, ref SourceRef) (*Entry, error)

	// Update rewrites quantity, total cost, effective date and updated_* of an active entry.
	Update(ctx context.Context, e *Entry) error

	SoftDelete(ctx context.Context, entryID id.ID, at time.Time, actorID string) error
	Restore(ctx context.Context, entryID id.ID, at time.Time, actorID string) error

	// ListFrom returns active entries with effective date >= from, in replay order.
	ListFrom(ctx context.Context, key Key, from time.Time) ([]*Entry, error)

	// ListUntil returns active entries with effective date <= until, in replay order.
	ListUntil(ctx context.Context, key Key, until time.Time) ([]*Entry, error)

	// LastBefore returns the last active entry with effective date < before, or nil.
	LastBefore(ctx context.Context, key Key, before time.Time) (*Entry, error)

	// Latest returns the last active entry in replay order, or nil.
	Latest(ctx context.Context, key Key) (*Entry, error)

	// SaveSnapshots overwrites balance_after / average_cost_after.
	SaveSnapshots(ctx context.Context, entries []*Entry) error
}

// AggregateRepository persists per-ledger aggregates.
type AggregateRepository interface {
	// Init creates a zeroed aggregate if it does not exist yet.
	Init(ctx context.Context, key Key, at time.Time) error

	Get(ctx context.Context, key Key) (*Aggregate, error)

	// GetForUpdate locks the aggregate row until the transaction ends.
	GetForUpdate(ctx context.Context, key Key) (*Aggregate, error)

	// Save writes agg if its version is unchanged and increments agg.Version.
	// A version mismatch yields *ConcurrentMutationError.
	Save(ctx context.Context, agg *Aggregate) error

	ListByWarehouse(ctx context.Context, warehouseID id.ID) ([]*Aggregate, error)
}

// WarehouseRegistry answers whether a warehouse exists.
type WarehouseRegistry interface {
	Exists(ctx context.Context, warehouseID id.ID) (bool, error)
}

// ChangeJournal durably records change events inside the mutation's transaction.
type ChangeJournal interface {
	Record(ctx context.Context, events []ChangeEvent) error
}

// ChangePublisher delivers a change event to subscribers.
type ChangePublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// AuditRecorder writes audit records inside the mutation's transaction.
type AuditRecorder interface {
	Record(ctx context.Context, rec AuditRecord) error
}
