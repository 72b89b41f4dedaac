// Package types provides common decimal types and scale rules.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// Quantity is a physical amount of product (kg or litres), magnitude only.
type Quantity = decimal.Decimal

// Storage scales. They match the NUMERIC column definitions in migrations.
const (
	QuantityScale int32 = 4
	MoneyScale    int32 = 4
	// CostScale is the precision of a weighted-average unit cost.
	CostScale int32 = 8
)

// NewMoneyFromString creates a Money value from a string.
// This is the preferred method for monetary values.
func NewMoneyFromString(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// MustDecimal parses s, panics on error.
// Use only for constants and tests.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns zero value.
func Zero() decimal.Decimal {
	return decimal.Zero
}

// RoundCost rounds a unit cost to CostScale.
func RoundCost(d decimal.Decimal) decimal.Decimal {
	return d.Round(CostScale)
}

// CheckScale returns an error if d carries more fractional digits than scale allows.
func CheckScale(field string, d decimal.Decimal, scale int32) error {
	if !d.Equal(d.Truncate(scale)) {
		return fmt.Errorf("%s supports at most %d decimal places", field, scale)
	}
	return nil
}
