package ledger_repo

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
)

func TestEntryRepo_ReplayQueries(t *testing.T) {
	repo := NewEntryRepo(nil)
	key := ledger.Key{WarehouseID: id.New(), Product: ledger.ProductFuel}
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	selectPrefix := "SELECT " + strings.Join(repo.columns, ", ") + " FROM ledger_entries " +
		"WHERE product = $1 AND status = $2 AND warehouse_id = $3"

	tests := []struct {
		name     string
		sql      func() (string, []interface{}, error)
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "ListFrom",
			sql:      repo.listFromQuery(key, at).ToSql,
			wantSQL:  selectPrefix + " AND effective_date >= $4 ORDER BY effective_date, created_at, id",
			wantArgs: []any{ledger.ProductFuel, ledger.StatusActive, key.WarehouseID.String(), at},
		},
		{
			name:     "ListUntil",
			sql:      repo.listUntilQuery(key, at).ToSql,
			wantSQL:  selectPrefix + " AND effective_date <= $4 ORDER BY effective_date, created_at, id",
			wantArgs: []any{ledger.ProductFuel, ledger.StatusActive, key.WarehouseID.String(), at},
		},
		{
			name:     "LastBefore",
			sql:      repo.lastBeforeQuery(key, at).ToSql,
			wantSQL:  selectPrefix + " AND effective_date < $4 ORDER BY effective_date DESC, created_at DESC, id DESC LIMIT 1",
			wantArgs: []any{ledger.ProductFuel, ledger.StatusActive, key.WarehouseID.String(), at},
		},
		{
			name:     "Latest",
			sql:      repo.latestQuery(key).ToSql,
			wantSQL:  selectPrefix + " ORDER BY effective_date DESC, created_at DESC, id DESC LIMIT 1",
			wantArgs: []any{ledger.ProductFuel, ledger.StatusActive, key.WarehouseID.String()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := tt.sql()
			if err != nil {
				t.Fatalf("ToSql failed: %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("SQL mismatch\nwant: %s\ngot:  %s", tt.wantSQL, sql)
			}
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestEntryRepo_StatusGuardedUpdates(t *testing.T) {
	repo := NewEntryRepo(nil)
	entryID := id.New()
	at := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)

	sql, args, err := repo.softDeleteQuery(entryID, at, "u1").ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE ledger_entries SET status = $1, deleted_at = $2, deleted_by = $3, updated_at = $4, updated_by = $5 "+
			"WHERE id = $6 AND status = $7", sql)
	assert.Equal(t, []any{ledger.StatusDeleted, at, "u1", at, "u1", entryID.String(), ledger.StatusActive}, args)

	sql, args, err = repo.restoreQuery(entryID, at, "u2").ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE ledger_entries SET status = $1, updated_at = $2, updated_by = $3 WHERE id = $4 AND status = $5", sql)
	assert.Equal(t, []any{ledger.StatusActive, at, "u2", entryID.String(), ledger.StatusDeleted}, args)
}

func TestEntryRepo_UpdateQueryTouchesEditableFieldsOnly(t *testing.T) {
	repo := NewEntryRepo(nil)
	e := &ledger.Entry{
		ID:            id.New(),
		Quantity:      decimal.RequireFromString("25"),
		TotalCost:     decimal.RequireFromString("30"),
		EffectiveDate: time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
		UpdatedBy:     "u1",
	}

	sql, args, err := repo.updateQuery(e).ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE ledger_entries SET quantity = $1, total_cost = $2, effective_date = $3, updated_at = $4, updated_by = $5 "+
			"WHERE id = $6 AND status = $7", sql)
	assert.Len(t, args, 7)
	assert.NotContains(t, sql, "balance_after")
}

func TestEntryRepo_InsertQueryCoversEveryColumn(t *testing.T) {
	repo := NewEntryRepo(nil)
	e := &ledger.Entry{ID: id.New(), Product: ledger.ProductAdBlue, Status: ledger.StatusActive}

	sql, args, err := repo.insertQuery(e).ToSql()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "INSERT INTO ledger_entries"))
	require.Len(t, args, len(repo.columns))
	assert.Equal(t, e.ID, args[0])
	assert.Equal(t, ledger.ProductAdBlue, args[2])
}

func TestAggregateRepo_SaveIsVersionChecked(t *testing.T) {
	repo := NewAggregateRepo(nil)
	agg := ledger.NewAggregate(ledger.Key{WarehouseID: id.New(), Product: ledger.ProductFuel}, time.Now().UTC())
	agg.Version = 7

	sql, args, err := repo.saveQuery(agg).ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE ledger_aggregates SET balance = $1, average_cost = $2, last_entry_id = $3, updated_at = $4, "+
			"version = version + 1 WHERE product = $5 AND version = $6 AND warehouse_id = $7", sql)
	require.Len(t, args, 7)
	assert.Equal(t, int64(7), args[5])
	assert.Equal(t, agg.WarehouseID.String(), args[6])
}
