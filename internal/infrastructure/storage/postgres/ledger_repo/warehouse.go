package ledger_repo

import (
	"context"
	"fmt"

	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/storage/postgres"
)

// warehousesTable is owned by the warehouse catalog; the ledger only reads it.
const warehousesTable = "cat_warehouses"

// WarehouseRegistry implements ledger.WarehouseRegistry.
type WarehouseRegistry struct {
	txManager *postgres.TxManager
}

var _ ledger.WarehouseRegistry = (*WarehouseRegistry)(nil)

// NewWarehouseRegistry creates a new registry reader.
func NewWarehouseRegistry(txManager *postgres.TxManager) *WarehouseRegistry {
	return &WarehouseRegistry{txManager: txManager}
}

const warehouseExistsSQL = `SELECT EXISTS (SELECT 1 FROM ` + warehousesTable + ` WHERE id = $1 AND deletion_mark = false)`

// Exists reports whether a live warehouse with the id exists.
func (r *WarehouseRegistry) Exists(ctx context.Context, warehouseID id.ID) (bool, error) {
	var exists bool
	if err := r.txManager.GetQuerier(ctx).QueryRow(ctx, warehouseExistsSQL, warehouseID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check warehouse: %w", err)
	}
	return exists, nil
}
