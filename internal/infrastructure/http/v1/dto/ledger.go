package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"fuelledger/internal/core/apperror"
	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/storage/postgres"
)

// --- Requests ---

// CreateEntryRequest links a published (or draft) document to the ledger.
// Amounts are decimal strings or numbers.
type CreateEntryRequest struct {
	WarehouseID   id.ID           `json:"warehouseId" binding:"required"`
	Product       string          `json:"product" binding:"required"`
	Direction     string          `json:"direction" binding:"required"`
	Quantity      decimal.Decimal `json:"quantity"`
	TotalCost     decimal.Decimal `json:"totalCost"`
	EffectiveDate time.Time       `json:"effectiveDate" binding:"required"`
	SourceType    string          `json:"sourceType" binding:"required"`
	SourceID      string          `json:"sourceId" binding:"required"`
	Draft         bool            `json:"draft"`
}

// ToDocument converts request DTO to domain document.
func (r *CreateEntryRequest) ToDocument() ledger.Document {
	return ledger.Document{
		WarehouseID:   r.WarehouseID,
		Product:       ledger.ProductType(r.Product),
		Direction:     ledger.Direction(r.Direction),
		Quantity:      r.Quantity,
		TotalCost:     r.TotalCost,
		EffectiveDate: r.EffectiveDate,
		Source:        ledger.SourceRef{Type: ledger.SourceType(r.SourceType), ID: r.SourceID},
		Draft:         r.Draft,
	}
}

// TransferRequest moves stock between two warehouses.
type TransferRequest struct {
	SourceID        string          `json:"sourceId" binding:"required"`
	FromWarehouseID id.ID           `json:"fromWarehouseId" binding:"required"`
	ToWarehouseID   id.ID           `json:"toWarehouseId" binding:"required"`
	Product         string          `json:"product" binding:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	// TotalCost of the inbound leg; omitted means the source's average cost.
	TotalCost     decimal.Decimal `json:"totalCost"`
	EffectiveDate time.Time       `json:"effectiveDate" binding:"required"`
	Draft         bool            `json:"draft"`
}

func (r *TransferRequest) ToDocument() ledger.TransferDocument {
	return ledger.TransferDocument{
		SourceID:        r.SourceID,
		FromWarehouseID: r.FromWarehouseID,
		ToWarehouseID:   r.ToWarehouseID,
		Product:         ledger.ProductType(r.Product),
		Quantity:        r.Quantity,
		TotalCost:       r.TotalCost,
		EffectiveDate:   r.EffectiveDate,
		Draft:           r.Draft,
	}
}

// UpdateEntryRequest edits a linked entry. The old values guard against lost updates.
type UpdateEntryRequest struct {
	WarehouseID   id.ID           `json:"warehouseId" binding:"required"`
	Product       string          `json:"product" binding:"required"`
	OldQuantity   decimal.Decimal `json:"oldQuantity"`
	NewQuantity   decimal.Decimal `json:"newQuantity"`
	OldTotalCost  decimal.Decimal `json:"oldTotalCost"`
	NewTotalCost  decimal.Decimal `json:"newTotalCost"`
	EffectiveDate *time.Time      `json:"effectiveDate"`
}

func (r *UpdateEntryRequest) ToUpdate(entryID id.ID) ledger.UpdateRequest {
	req := ledger.UpdateRequest{
		EntryID:      entryID,
		WarehouseID:  r.WarehouseID,
		Product:      ledger.ProductType(r.Product),
		OldQuantity:  r.OldQuantity,
		NewQuantity:  r.NewQuantity,
		OldTotalCost: r.OldTotalCost,
		NewTotalCost: r.NewTotalCost,
	}
	if r.EffectiveDate != nil {
		req.EffectiveDate = *r.EffectiveDate
	}
	return req
}

// LedgerKeyRequest names one (warehouse, product) ledger, in a body or a query string.
type LedgerKeyRequest struct {
	WarehouseID string `json:"warehouseId" form:"warehouseId" binding:"required"`
	Product     string `json:"product" form:"product" binding:"required"`
}

func (r *LedgerKeyRequest) Key() (ledger.Key, error) {
	warehouseID, err := id.Parse(r.WarehouseID)
	if err != nil {
		return ledger.Key{}, apperror.NewValidation("invalid warehouseId format")
	}
	return ledger.Key{WarehouseID: warehouseID, Product: ledger.ProductType(r.Product)}, nil
}

// BalanceQuery selects a balance; AsOf (RFC 3339) asks for a point-in-time value.
type BalanceQuery struct {
	LedgerKeyRequest
	AsOf string `form:"asOf"`
}

// AsOfTime returns the zero time when AsOf is empty.
func (q *BalanceQuery) AsOfTime() (time.Time, error) {
	if q.AsOf == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, q.AsOf)
	if err != nil {
		return time.Time{}, apperror.NewValidation("asOf must be an RFC 3339 timestamp").WithDetail("asOf", q.AsOf)
	}
	return t, nil
}

// --- Responses ---

// EntryResponse represents a ledger entry in API responses.
type EntryResponse struct {
	ID               string     `json:"id"`
	WarehouseID      string     `json:"warehouseId"`
	Product          string     `json:"product"`
	Direction        string     `json:"direction"`
	SourceType       string     `json:"sourceType"`
	SourceID         string     `json:"sourceId"`
	Quantity         string     `json:"quantity"`
	TotalCost        string     `json:"totalCost"`
	EffectiveDate    time.Time  `json:"effectiveDate"`
	BalanceAfter     string     `json:"balanceAfter"`
	AverageCostAfter string     `json:"averageCostAfter"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	CreatedBy        string     `json:"createdBy,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	UpdatedBy        string     `json:"updatedBy,omitempty"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
}

// FromEntry converts entity to response DTO.
func FromEntry(e *ledger.Entry) *EntryResponse {
	if e == nil {
		return nil
	}
	return &EntryResponse{
		ID:               e.ID.String(),
		WarehouseID:      e.WarehouseID.String(),
		Product:          string(e.Product),
		Direction:        string(e.Direction),
		SourceType:       string(e.SourceType),
		SourceID:         e.SourceID,
		Quantity:         e.Quantity.String(),
		TotalCost:        e.TotalCost.String(),
		EffectiveDate:    e.EffectiveDate,
		BalanceAfter:     e.BalanceAfter.String(),
		AverageCostAfter: e.AverageCostAfter.String(),
		Status:           string(e.Status),
		CreatedAt:        e.CreatedAt,
		CreatedBy:        e.CreatedBy,
		UpdatedAt:        e.UpdatedAt,
		UpdatedBy:        e.UpdatedBy,
		DeletedAt:        e.DeletedAt,
	}
}

// StateResponse is a running balance and weighted average cost.
type StateResponse struct {
	Balance     string `json:"balance"`
	AverageCost string `json:"averageCost"`
}

func FromState(s ledger.State) StateResponse {
	return StateResponse{Balance: s.Balance.String(), AverageCost: s.AverageCost.String()}
}

// LinkResponse is the outcome of a ledger mutation.
type LinkResponse struct {
	EntryID   string         `json:"entryId,omitempty"`
	LinkState string         `json:"linkState"`
	Entry     *EntryResponse `json:"entry,omitempty"`
	Aggregate StateResponse  `json:"aggregate"`
	FastPath  bool           `json:"fastPath"`
	Replayed  int            `json:"replayed"`
}

func FromLinkResult(r ledger.LinkResult) LinkResponse {
	resp := LinkResponse{
		LinkState: string(r.LinkState),
		Entry:     FromEntry(r.Entry),
		Aggregate: FromState(r.Aggregate),
		FastPath:  r.FastPath,
		Replayed:  r.Replayed,
	}
	if !id.IsNil(r.EntryID) {
		resp.EntryID = r.EntryID.String()
	}
	return resp
}

// TransferResponse holds both legs of a transfer.
type TransferResponse struct {
	Out LinkResponse `json:"out"`
	In  LinkResponse `json:"in"`
}

func FromTransferResult(r ledger.TransferResult) TransferResponse {
	return TransferResponse{Out: FromLinkResult(r.Out), In: FromLinkResult(r.In)}
}

// BalanceResponse represents a ledger balance in API responses.
type BalanceResponse struct {
	WarehouseID string `json:"warehouseId"`
	Product     string `json:"product"`
	StateResponse
	AsOf    *time.Time `json:"asOf,omitempty"`
	Version int64      `json:"version"`
}

func FromBalance(b ledger.Balance) BalanceResponse {
	return BalanceResponse{
		WarehouseID:   b.WarehouseID.String(),
		Product:       string(b.Product),
		StateResponse: FromState(b.State),
		AsOf:          b.AsOf,
		Version:       b.Version,
	}
}

func FromBalances(bs []ledger.Balance) []BalanceResponse {
	out := make([]BalanceResponse, 0, len(bs))
	for _, b := range bs {
		out = append(out, FromBalance(b))
	}
	return out
}

// RebuildResponse summarises a full replay.
type RebuildResponse struct {
	WarehouseID string        `json:"warehouseId"`
	Product     string        `json:"product"`
	Replayed    int           `json:"replayed"`
	State       StateResponse `json:"state"`
}

// VerifyResponse reports snapshot drift of one ledger.
type VerifyResponse struct {
	WarehouseID    string        `json:"warehouseId"`
	Product        string        `json:"product"`
	Consistent     bool          `json:"consistent"`
	Entries        int           `json:"entries"`
	Drifted        []string      `json:"drifted"`
	Expected       StateResponse `json:"expected"`
	Stored         StateResponse `json:"stored"`
	AggregateDrift bool          `json:"aggregateDrift"`
	Failure        string        `json:"failure,omitempty"`
}

func FromVerifyReport(r ledger.VerifyReport) VerifyResponse {
	drifted := make([]string, 0, len(r.Drifted))
	for _, d := range r.Drifted {
		drifted = append(drifted, d.String())
	}
	return VerifyResponse{
		WarehouseID:    r.WarehouseID.String(),
		Product:        string(r.Product),
		Consistent:     r.Consistent(),
		Entries:        r.Entries,
		Drifted:        drifted,
		Expected:       FromState(r.Expected),
		Stored:         FromState(r.Stored),
		AggregateDrift: r.AggregateDrift,
		Failure:        r.Failure,
	}
}

// AuditEntryResponse is one row of an entry's audit trail.
type AuditEntryResponse struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	ActorID   string    `json:"actorId"`
	Changes   any       `json:"changes"`
	CreatedAt time.Time `json:"createdAt"`
}

func FromAuditEntries(entries []postgres.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			ID:        e.ID.String(),
			Action:    string(e.Action),
			ActorID:   e.ActorID,
			Changes:   e.Changes,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}
