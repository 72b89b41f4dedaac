package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/storage/postgres"
)

const aggregatesTable = "ledger_aggregates"

// AggregateRepo implements ledger.AggregateRepository. The aggregate row is
// the lock that serializes all mutations of one (warehouse, product) ledger.
type AggregateRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
	columns   []string
}

var _ ledger.AggregateRepository = (*AggregateRepo)(nil)

// NewAggregateRepo creates a new aggregate repository.
func NewAggregateRepo(txManager *postgres.TxManager) *AggregateRepo {
	return &AggregateRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		columns:   postgres.ExtractDBColumns[ledger.Aggregate](),
	}
}

func (r *AggregateRepo) byKey(key ledger.Key) squirrel.SelectBuilder {
	return r.builder.Select(r.columns...).
		From(aggregatesTable).
		Where(squirrel.Eq{"warehouse_id": key.WarehouseID, "product": key.Product})
}

// Init creates a zeroed aggregate unless one exists.
func (r *AggregateRepo) Init(ctx context.Context, key ledger.Key, at time.Time) error {
	sql, args, err := r.builder.Insert(aggregatesTable).
		Columns("warehouse_id", "product", "balance", "average_cost", "version", "updated_at").
		Values(key.WarehouseID, key.Product, 0, 0, 0, at).
		Suffix("ON CONFLICT (warehouse_id, product) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return mapError(err, "init aggregate", ledger.SourceRef{})
	}
	return nil
}

// Get reads the aggregate without locking.
func (r *AggregateRepo) Get(ctx context.Context, key ledger.Key) (*ledger.Aggregate, error) {
	return r.get(ctx, key, r.byKey(key))
}

// GetForUpdate reads and locks the aggregate row until the transaction ends.
// The wait is bounded by the transaction's lock_timeout.
func (r *AggregateRepo) GetForUpdate(ctx context.Context, key ledger.Key) (*ledger.Aggregate, error) {
	if r.txManager.GetTx(ctx) == nil {
		return nil, fmt.Errorf("GetForUpdate requires transaction context")
	}
	agg, err := r.get(ctx, key, r.byKey(key).Suffix("FOR UPDATE"))
	if err != nil {
		if ledger.IsConcurrentMutation(err) {
			return nil, &ledger.ConcurrentMutationError{
				Entity: "warehouse aggregate",
				ID:     key.String(),
				Reason: "lock not acquired in time",
			}
		}
		return nil, err
	}
	return agg, nil
}

func (r *AggregateRepo) get(ctx context.Context, key ledger.Key, q squirrel.SelectBuilder) (*ledger.Aggregate, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var aggs []*ledger.Aggregate
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &aggs, sql, args...); err != nil {
		return nil, mapError(err, "select aggregate", ledger.SourceRef{})
	}
	if len(aggs) == 0 {
		return nil, ledger.NewAggregateNotFound(key)
	}
	return aggs[0], nil
}

// Save writes agg when its version is unchanged and bumps the version.
func (r *AggregateRepo) Save(ctx context.Context, agg *ledger.Aggregate) error {
	sql, args, err := r.saveQuery(agg).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err, "save aggregate", ledger.SourceRef{})
	}
	if tag.RowsAffected() == 0 {
		return &ledger.ConcurrentMutationError{
			Entity: "warehouse aggregate",
			ID:     agg.Key().String(),
			Reason: fmt.Sprintf("version %d is stale", agg.Version),
		}
	}
	agg.Version++
	return nil
}

func (r *AggregateRepo) saveQuery(agg *ledger.Aggregate) squirrel.UpdateBuilder {
	return r.builder.Update(aggregatesTable).
		Set("balance", agg.Balance).
		Set("average_cost", agg.AverageCost).
		Set("last_entry_id", agg.LastEntryID).
		Set("updated_at", agg.UpdatedAt).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{
			"warehouse_id": agg.WarehouseID,
			"product":      agg.Product,
			"version":      agg.Version,
		})
}

// ListByWarehouse returns every aggregate of a warehouse.
func (r *AggregateRepo) ListByWarehouse(ctx context.Context, warehouseID id.ID) ([]*ledger.Aggregate, error) {
	sql, args, err := r.builder.Select(r.columns...).
		From(aggregatesTable).
		Where(squirrel.Eq{"warehouse_id": warehouseID}).
		OrderBy("product DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var aggs []*ledger.Aggregate
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &aggs, sql, args...); err != nil {
		return nil, mapError(err, "list aggregates", ledger.SourceRef{})
	}
	return aggs, nil
}
