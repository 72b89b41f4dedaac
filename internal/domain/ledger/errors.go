package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fuelledger/internal/core/apperror"
	"fuelledger/internal/core/id"
)

// InsufficientStockError is returned when an outbound entry would take the
// balance below zero. EntryID is the first offending entry in replay order.
type InsufficientStockError struct {
	EntryID       id.ID
	Key           Key
	EffectiveDate time.Time
	Requested     decimal.Decimal
	Available     decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s at entry %s (%s): requested %s, available %s",
		e.Key, e.EntryID, e.EffectiveDate.Format(time.RFC3339), e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return apperror.NewInsufficientStock(e.EntryID.String(), e.Requested.String(), e.Available.String()).
		WithDetail("warehouse_id", e.Key.WarehouseID.String()).
		WithDetail("product", string(e.Key.Product)).
		WithDetail("effective_date", e.EffectiveDate)
}

// ConcurrentMutationError reports a lost race on a ledger: a lock could not be
// acquired in time, the aggregate version moved, or the caller's view of an
// entry is stale. The whole mutation may be retried.
type ConcurrentMutationError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConcurrentMutationError) Error() string {
	return fmt.Sprintf("concurrent mutation of %s %s: %s", e.Entity, e.ID, e.Reason)
}

func (e *ConcurrentMutationError) Unwrap() error {
	return apperror.NewConcurrentModification(e.Entity, e.ID).WithDetail("reason", e.Reason)
}

// EntryNotFoundError is returned for unknown entry ids.
type EntryNotFoundError struct {
	EntryID id.ID
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("ledger entry %s not found", e.EntryID)
}

func (e *EntryNotFoundError) Unwrap() error {
	return apperror.NewNotFound("ledger entry", e.EntryID.String())
}

// NewAggregateNotFound reports a ledger that was never opened.
func NewAggregateNotFound(key Key) error {
	return apperror.NewNotFound("warehouse aggregate", key.String()).
		WithDetail("warehouse_id", key.WarehouseID.String()).
		WithDetail("product", string(key.Product))
}

// NewLinkConflict reports a second active entry for the same source.
func NewLinkConflict(ref SourceRef) error {
	return apperror.NewDuplicate("ledger entry", "source", ref.String())
}

// IsConcurrentMutation reports whether err is retryable.
func IsConcurrentMutation(err error) bool {
	var cm *ConcurrentMutationError
	return errors.As(err, &cm) || apperror.IsConcurrentModification(err)
}

// IsInsufficientStock reports whether err is a stock shortage.
func IsInsufficientStock(err error) bool {
	var is *InsufficientStockError
	return errors.As(err, &is)
}
