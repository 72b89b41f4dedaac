// Package ledger implements the warehouse inventory ledger: an append-mostly
// journal of stock movements per (warehouse, product) with a running balance
// and a moving weighted-average unit cost that is recomputed whenever history
// changes.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fuelledger/internal/core/id"
	"fuelledger/internal/core/types"
)

// ProductType is the kind of stock a warehouse holds.
type ProductType string

const (
	ProductFuel   ProductType = "fuel"
	ProductAdBlue ProductType = "adblue"
)

// Products lists every product tracked per warehouse.
func Products() []ProductType {
	return []ProductType{ProductFuel, ProductAdBlue}
}

// Valid reports whether p is a known product.
func (p ProductType) Valid() bool {
	return p == ProductFuel || p == ProductAdBlue
}

// Direction of a stock movement.
type Direction string

const (
	DirectionReceipt     Direction = "receipt"
	DirectionSale        Direction = "sale"
	DirectionTransferIn  Direction = "transfer_in"
	DirectionTransferOut Direction = "transfer_out"
)

// Inbound reports whether the movement adds stock.
func (d Direction) Inbound() bool {
	return d == DirectionReceipt || d == DirectionTransferIn
}

// Outbound reports whether the movement removes stock.
func (d Direction) Outbound() bool {
	return d == DirectionSale || d == DirectionTransferOut
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d.Inbound() || d.Outbound()
}

// SourceType names the kind of business document that produced an entry.
type SourceType string

const (
	SourceOptDeal     SourceType = "opt_deal"
	SourceRefueling   SourceType = "refueling"
	SourceMovementOut SourceType = "movement_out"
	SourceMovementIn  SourceType = "movement_in"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceOptDeal, SourceRefueling, SourceMovementOut, SourceMovementIn:
		return true
	}
	return false
}

// SourceRef identifies the document an entry is linked to.
type SourceRef struct {
	Type SourceType `json:"type"`
	ID   string     `json:"id"`
}

func (r SourceRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// EntryStatus is the soft-delete tag of an entry.
type EntryStatus string

const (
	StatusActive  EntryStatus = "active"
	StatusDeleted EntryStatus = "deleted"
)

// Key identifies one independent ledger: a warehouse and a product.
type Key struct {
	WarehouseID id.ID
	Product     ProductType
}

func (k Key) String() string {
	return k.WarehouseID.String() + "/" + string(k.Product)
}

// Less orders keys deterministically; locks on several keys are taken in this order.
func (k Key) Less(o Key) bool {
	if c := id.Compare(k.WarehouseID, o.WarehouseID); c != 0 {
		return c < 0
	}
	return k.Product < o.Product
}

// Entry is one stock movement. Quantity is a magnitude; the sign comes from Direction.
// BalanceAfter and AverageCostAfter cache the running state just after this entry
// and are rewritten by every replay that covers it.
type Entry struct {
	ID            id.ID           `db:"id" json:"id"`
	WarehouseID   id.ID           `db:"warehouse_id" json:"warehouseId"`
	Product       ProductType     `db:"product" json:"product"`
	Direction     Direction       `db:"direction" json:"direction"`
	SourceType    SourceType      `db:"source_type" json:"sourceType"`
	SourceID      string          `db:"source_id" json:"sourceId"`
	Quantity      decimal.Decimal `db:"quantity" json:"quantity"`
	TotalCost     decimal.Decimal `db:"total_cost" json:"totalCost"`
	EffectiveDate time.Time       `db:"effective_date" json:"effectiveDate"`

	BalanceAfter     decimal.Decimal `db:"balance_after" json:"balanceAfter"`
	AverageCostAfter decimal.Decimal `db:"average_cost_after" json:"averageCostAfter"`

	Status    EntryStatus `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
	CreatedBy string      `db:"created_by" json:"createdBy"`
	UpdatedAt time.Time   `db:"updated_at" json:"updatedAt"`
	UpdatedBy string      `db:"updated_by" json:"updatedBy"`
	DeletedAt *time.Time  `db:"deleted_at" json:"deletedAt,omitempty"`
	DeletedBy *string     `db:"deleted_by" json:"deletedBy,omitempty"`
}

// Key returns the ledger the entry belongs to.
func (e *Entry) Key() Key {
	return Key{WarehouseID: e.WarehouseID, Product: e.Product}
}

// Source returns the linked document reference.
func (e *Entry) Source() SourceRef {
	return SourceRef{Type: e.SourceType, ID: e.SourceID}
}

// IsActive reports whether the entry participates in replays.
func (e *Entry) IsActive() bool {
	return e.Status == StatusActive
}

// Snapshot returns the cached state after this entry.
func (e *Entry) Snapshot() State {
	return State{Balance: e.BalanceAfter, AverageCost: e.AverageCostAfter}
}

// SetSnapshot overwrites the cached state.
func (e *Entry) SetSnapshot(s State) {
	e.BalanceAfter = s.Balance
	e.AverageCostAfter = s.AverageCost
}

// SortsBefore reports whether e precedes o in replay order
// (effective date, then creation time, then id).
func (e *Entry) SortsBefore(o *Entry) bool {
	if !e.EffectiveDate.Equal(o.EffectiveDate) {
		return e.EffectiveDate.Before(o.EffectiveDate)
	}
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return id.Compare(e.ID, o.ID) < 0
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		c.DeletedAt = &t
	}
	if e.DeletedBy != nil {
		s := *e.DeletedBy
		c.DeletedBy = &s
	}
	return &c
}

// State is the running fold state of one ledger.
type State struct {
	Balance     decimal.Decimal `json:"balance"`
	AverageCost decimal.Decimal `json:"averageCost"`
}

// Equal compares values, ignoring representation scale.
func (s State) Equal(o State) bool {
	return s.Balance.Equal(o.Balance) && s.AverageCost.Equal(o.AverageCost)
}

func (s State) String() string {
	return fmt.Sprintf("balance=%s avg=%s", s.Balance.String(), s.AverageCost.String())
}

// Aggregate is the materialized current state of one ledger. The row doubles
// as the lock serializing all mutations of the ledger.
type Aggregate struct {
	WarehouseID id.ID           `db:"warehouse_id" json:"warehouseId"`
	Product     ProductType     `db:"product" json:"product"`
	Balance     decimal.Decimal `db:"balance" json:"balance"`
	AverageCost decimal.Decimal `db:"average_cost" json:"averageCost"`
	Version     int64           `db:"version" json:"version"`
	LastEntryID *id.ID          `db:"last_entry_id" json:"lastEntryId,omitempty"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
}

// NewAggregate returns a zeroed aggregate for key.
func NewAggregate(key Key, at time.Time) *Aggregate {
	return &Aggregate{
		WarehouseID: key.WarehouseID,
		Product:     key.Product,
		Balance:     decimal.Zero,
		AverageCost: decimal.Zero,
		UpdatedAt:   at,
	}
}

func (a *Aggregate) Key() Key {
	return Key{WarehouseID: a.WarehouseID, Product: a.Product}
}

func (a *Aggregate) State() State {
	return State{Balance: a.Balance, AverageCost: a.AverageCost}
}

// Apply sets the aggregate to s. The version is bumped by the repository on save.
func (a *Aggregate) Apply(s State, lastEntryID *id.ID, at time.Time) {
	a.Balance = s.Balance
	a.AverageCost = s.AverageCost
	a.LastEntryID = lastEntryID
	a.UpdatedAt = at
}

// MutationContext carries who performs a mutation and when. It is passed
// explicitly by value into every mutating operation.
type MutationContext struct {
	ActorID string
	Now     time.Time
}

// NewMutationContext stamps a mutation with the current time.
func NewMutationContext(actorID string) MutationContext {
	return MutationContext{ActorID: actorID, Now: time.Now()}
}

// normalized returns mc with Now in UTC at storage precision.
func (mc MutationContext) normalized() MutationContext {
	if mc.Now.IsZero() {
		mc.Now = time.Now()
	}
	mc.Now = storageTime(mc.Now)
	return mc
}

// storageTime truncates to the precision of a timestamptz column so that
// in-memory ordering matches the stored ordering.
func storageTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Document is what a business document contributes to the ledger.
type Document struct {
	WarehouseID   id.ID
	Product       ProductType
	Direction     Direction
	Quantity      types.Quantity
	TotalCost     types.Money
	EffectiveDate time.Time
	Source        SourceRef
	// Draft documents never produce entries.
	Draft bool
}

// TransferDocument moves stock between two warehouses. Each leg is linked to
// its own source (movement_out / movement_in) sharing SourceID.
type TransferDocument struct {
	SourceID        string
	FromWarehouseID id.ID
	ToWarehouseID   id.ID
	Product         ProductType
	Quantity        types.Quantity
	// TotalCost of the inbound leg. Zero means "at the source's average cost".
	TotalCost     types.Money
	EffectiveDate time.Time
	Draft         bool
}

// UpdateRequest edits an active entry. Old values must match the stored ones.
type UpdateRequest struct {
	EntryID      id.ID
	WarehouseID  id.ID
	Product      ProductType
	OldQuantity  types.Quantity
	NewQuantity  types.Quantity
	OldTotalCost types.Money
	NewTotalCost types.Money
	// EffectiveDate, when non-zero, moves the entry in time.
	EffectiveDate time.Time
}

// LinkResult describes the outcome of a mutation.
type LinkResult struct {
	EntryID   id.ID     `json:"entryId"`
	LinkState LinkState `json:"linkState"`
	// Entry is the state of the entry after the mutation (nil for drafts).
	Entry     *Entry `json:"entry,omitempty"`
	Aggregate State  `json:"aggregate"`
	FastPath  bool   `json:"fastPath"`
	Replayed  int    `json:"replayed"`
}

// TransferResult holds both legs of a transfer.
type TransferResult struct {
	Out LinkResult `json:"out"`
	In  LinkResult `json:"in"`
}

// Balance is a read-side view of one ledger.
type Balance struct {
	WarehouseID id.ID       `json:"warehouseId"`
	Product     ProductType `json:"product"`
	State
	// AsOf is set for point-in-time reconstructions.
	AsOf    *time.Time `json:"asOf,omitempty"`
	Version int64      `json:"version"`
}

// ChangeEvent announces that the balance of a ledger changed.
type ChangeEvent struct {
	WarehouseID id.ID       `json:"warehouseId"`
	Product     ProductType `json:"product"`
	EntryID     id.ID       `json:"entryId"`
	OccurredAt  time.Time   `json:"occurredAt"`
}

func (e ChangeEvent) Key() Key {
	return Key{WarehouseID: e.WarehouseID, Product: e.Product}
}

// AuditAction names a mutation recorded to the audit trail.
type AuditAction string

const (
	AuditCreate  AuditAction = "create"
	AuditUpdate  AuditAction = "update"
	AuditDelete  AuditAction = "delete"
	AuditRestore AuditAction = "restore"
	AuditRebuild AuditAction = "rebuild"
)

// AuditRecord is one mutation as seen by the audit trail.
type AuditRecord struct {
	EntityID id.ID
	Action   AuditAction
	ActorID  string
	At       time.Time
	Before   *Entry
	After    *Entry
}
