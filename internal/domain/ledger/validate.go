package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fuelledger/internal/core/apperror"
	"fuelledger/internal/core/id"
	"fuelledger/internal/core/types"
)

// Validate checks a published document before any transaction opens.
func (d Document) Validate() error {
	if id.IsNil(d.WarehouseID) {
		return apperror.NewValidation("warehouse_id is required")
	}
	if !d.Product.Valid() {
		return apperror.NewValidation(fmt.Sprintf("unknown product %q", d.Product))
	}
	if !d.Direction.Valid() {
		return apperror.NewValidation(fmt.Sprintf("unknown direction %q", d.Direction))
	}
	if err := validateSource(d.Source); err != nil {
		return err
	}
	if d.EffectiveDate.IsZero() {
		return apperror.NewValidation("effective_date is required")
	}
	return validateAmounts(d.Direction, d.Quantity, d.TotalCost)
}

// Validate checks a published transfer.
func (t TransferDocument) Validate() error {
	if strings.TrimSpace(t.SourceID) == "" {
		return apperror.NewValidation("source_id is required")
	}
	if id.IsNil(t.FromWarehouseID) || id.IsNil(t.ToWarehouseID) {
		return apperror.NewValidation("both warehouses are required")
	}
	if t.FromWarehouseID == t.ToWarehouseID {
		return apperror.NewValidation("transfer requires two different warehouses")
	}
	if !t.Product.Valid() {
		return apperror.NewValidation(fmt.Sprintf("unknown product %q", t.Product))
	}
	if t.EffectiveDate.IsZero() {
		return apperror.NewValidation("effective_date is required")
	}
	if err := validateQuantity(t.Quantity); err != nil {
		return err
	}
	if t.TotalCost.IsNegative() {
		return apperror.NewValidation("total_cost must not be negative")
	}
	return validateScale("total_cost", t.TotalCost, types.MoneyScale)
}

// Validate checks the shape of an update; direction-specific rules are
// applied once the stored entry is known.
func (r UpdateRequest) Validate() error {
	if id.IsNil(r.EntryID) {
		return apperror.NewValidation("entry_id is required")
	}
	if id.IsNil(r.WarehouseID) {
		return apperror.NewValidation("warehouse_id is required")
	}
	if !r.Product.Valid() {
		return apperror.NewValidation(fmt.Sprintf("unknown product %q", r.Product))
	}
	return validateQuantity(r.NewQuantity)
}

func validateSource(ref SourceRef) error {
	if !ref.Type.Valid() {
		return apperror.NewValidation(fmt.Sprintf("unknown source type %q", ref.Type))
	}
	if strings.TrimSpace(ref.ID) == "" {
		return apperror.NewValidation("source id is required")
	}
	return nil
}

// validateAmounts enforces quantity > 0, a positive cost on inbound entries
// and no cost on outbound ones.
func validateAmounts(dir Direction, qty, cost decimal.Decimal) error {
	if err := validateQuantity(qty); err != nil {
		return err
	}
	if err := validateScale("total_cost", cost, types.MoneyScale); err != nil {
		return err
	}
	if dir.Inbound() {
		if !cost.IsPositive() {
			return apperror.NewValidation("inbound entries require a positive total_cost").
				WithDetail("direction", string(dir)).
				WithDetail("total_cost", cost.String())
		}
		return nil
	}
	if !cost.IsZero() {
		return apperror.NewValidation("outbound entries carry no total_cost").
			WithDetail("direction", string(dir)).
			WithDetail("total_cost", cost.String())
	}
	return nil
}

func validateQuantity(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return apperror.NewValidation("quantity must be positive").WithDetail("quantity", qty.String())
	}
	return validateScale("quantity", qty, types.QuantityScale)
}

func validateScale(field string, d decimal.Decimal, scale int32) error {
	if err := types.CheckScale(field, d, scale); err != nil {
		return apperror.NewValidation(err.Error()).WithDetail(field, d.String())
	}
	return nil
}
