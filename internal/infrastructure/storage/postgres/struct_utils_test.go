package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
)

func TestExtractDBColumns_LedgerEntry(t *testing.T) {
	cols := ExtractDBColumns[ledger.Entry]()

	assert.Equal(t, []string{
		"id", "warehouse_id", "product", "direction", "source_type", "source_id",
		"quantity", "total_cost", "effective_date",
		"balance_after", "average_cost_after",
		"status", "created_at", "created_by", "updated_at", "updated_by", "deleted_at", "deleted_by",
	}, cols)
}

type embeddedRow struct {
	ledger.State
	Note string `db:"note"`
	Skip string `db:"-"`
}

func TestExtractDBColumns_SkipsUntaggedAndEmbedsStructs(t *testing.T) {
	// State has no db tags, so only the outer field remains.
	assert.Equal(t, []string{"note"}, ExtractDBColumns[embeddedRow]())
}

func TestStructToMap_LedgerEntry(t *testing.T) {
	now := time.Now().UTC()
	e := &ledger.Entry{
		ID:        id.New(),
		Product:   ledger.ProductAdBlue,
		Quantity:  decimal.RequireFromString("12.5"),
		Status:    ledger.StatusDeleted,
		DeletedAt: &now,
	}

	m := StructToMap(e)
	require.NotNil(t, m)
	assert.Equal(t, e.ID, m["id"])
	assert.Equal(t, ledger.ProductAdBlue, m["product"])
	assert.Equal(t, ledger.StatusDeleted, m["status"])
	assert.Equal(t, &now, m["deleted_at"])
	assert.Nil(t, StructToMap((*ledger.Entry)(nil)))
}

func TestDiff_ReportsOnlyChangedColumns(t *testing.T) {
	before := &ledger.Entry{ID: id.New(), Quantity: decimal.RequireFromString("10"), Status: ledger.StatusActive}
	after := before.Clone()
	after.Quantity = decimal.RequireFromString("12")

	changes := Diff(StructToMap(before), StructToMap(after))
	assert.Len(t, changes, 1)
	assert.Contains(t, changes, "quantity")

	created := Diff(nil, StructToMap(after))
	assert.Len(t, created, len(ExtractDBColumns[ledger.Entry]()))
}
