// Package ledger_repo provides PostgreSQL implementations of the ledger repositories.
package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"fuelledger/internal/core/apperror"
	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/storage/postgres"
)

const (
	entriesTable = "ledger_entries"

	// activeSourceIndex enforces one active entry per linked document.
	activeSourceIndex = "ux_ledger_entries_active_source"
)

// replayOrder is the total order every replay walks.
var (
	replayOrder        = []string{"effective_date", "created_at", "id"}
	reverseReplayOrder = []string{"effective_date DESC", "created_at DESC", "id DESC"}
)

// EntryRepo implements ledger.EntryRepository.
type EntryRepo struct {
	txManager *postgres.TxManager
	batch     *postgres.BatchExecutor
	builder   squirrel.StatementBuilderType
	columns   []string
}

var _ ledger.EntryRepository = (*EntryRepo)(nil)

// NewEntryRepo creates a new entry repository.
func NewEntryRepo(txManager *postgres.TxManager) *EntryRepo {
	return &EntryRepo{
		txManager: txManager,
		batch:     postgres.NewBatchExecutor(txManager),
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		columns:   postgres.ExtractDBColumns[ledger.Entry](),
	}
}

func (r *EntryRepo) baseSelect() squirrel.SelectBuilder {
	return r.builder.Select(r.columns...).From(entriesTable)
}

func (r *EntryRepo) activeOf(key ledger.Key) squirrel.SelectBuilder {
	return r.baseSelect().
		Where(squirrel.Eq{
			"warehouse_id": key.WarehouseID,
			"product":      key.Product,
			"status":       ledger.StatusActive,
		})
}

// Append inserts a new entry.
func (r *EntryRepo) Append(ctx context.Context, e *ledger.Entry) error {
	sql, args, err := r.insertQuery(e).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return mapError(err, "insert entry", e.Source())
	}
	return nil
}

func (r *EntryRepo) insertQuery(e *ledger.Entry) squirrel.InsertBuilder {
	row := postgres.StructToMap(e)
	values := make([]any, 0, len(r.columns))
	for _, col := range r.columns {
		values = append(values, row[col])
	}
	return r.builder.Insert(entriesTable).Columns(r.columns...).Values(values...)
}

// Get returns an entry in any status.
func (r *EntryRepo) Get(ctx context.Context, entryID id.ID) (*ledger.Entry, error) {
	e, err := r.selectOne(ctx, r.baseSelect().Where(squirrel.Eq{"id": entryID}))
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &ledger.EntryNotFoundError{EntryID: entryID}
	}
	return e, nil
}

// FindActiveBySource returns the active entry linked to ref, or nil.
func (r *EntryRepo) FindActiveBySource(ctx context.Context, ref ledger.SourceRef) (*ledger.Entry, error) {
	return r.selectOne(ctx, r.baseSelect().Where(squirrel.Eq{
		"source_type": ref.Type,
		"source_id":   ref.ID,
		"status":      ledger.StatusActive,
	}))
}

// Update rewrites the editable fields of an active entry.
func (r *EntryRepo) Update(ctx context.Context, e *ledger.Entry) error {
	return r.execOne(ctx, r.updateQuery(e), "update entry", e.ID)
}

func (r *EntryRepo) updateQuery(e *ledger.Entry) squirrel.UpdateBuilder {
	return r.builder.Update(entriesTable).
		Set("quantity", e.Quantity).
		Set("total_cost", e.TotalCost).
		Set("effective_date", e.EffectiveDate).
		Set("updated_at", e.UpdatedAt).
		Set("updated_by", e.UpdatedBy).
		Where(squirrel.Eq{"id": e.ID, "status": ledger.StatusActive})
}

// SoftDelete marks an active entry deleted.
func (r *EntryRepo) SoftDelete(ctx context.Context, entryID id.ID, at time.Time, actorID string) error {
	return r.execOne(ctx, r.softDeleteQuery(entryID, at, actorID), "soft delete entry", entryID)
}

func (r *EntryRepo) softDeleteQuery(entryID id.ID, at time.Time, actorID string) squirrel.UpdateBuilder {
	return r.builder.Update(entriesTable).
		Set("status", ledger.StatusDeleted).
		Set("deleted_at", at).
		Set("deleted_by", actorID).
		Set("updated_at", at).
		Set("updated_by", actorID).
		Where(squirrel.Eq{"id": entryID, "status": ledger.StatusActive})
}

// Restore reactivates a deleted entry. deleted_at/deleted_by keep the last deletion.
func (r *EntryRepo) Restore(ctx context.Context, entryID id.ID, at time.Time, actorID string) error {
	return r.execOne(ctx, r.restoreQuery(entryID, at, actorID), "restore entry", entryID)
}

func (r *EntryRepo) restoreQuery(entryID id.ID, at time.Time, actorID string) squirrel.UpdateBuilder {
	return r.builder.Update(entriesTable).
		Set("status", ledger.StatusActive).
		Set("updated_at", at).
		Set("updated_by", actorID).
		Where(squirrel.Eq{"id": entryID, "status": ledger.StatusDeleted})
}

// ListFrom returns active entries with effective_date >= from in replay order.
func (r *EntryRepo) ListFrom(ctx context.Context, key ledger.Key, from time.Time) ([]*ledger.Entry, error) {
	return r.selectMany(ctx, r.listFromQuery(key, from))
}

// ListUntil returns active entries with effective_date <= until in replay order.
func (r *EntryRepo) ListUntil(ctx context.Context, key ledger.Key, until time.Time) ([]*ledger.Entry, error) {
	return r.selectMany(ctx, r.listUntilQuery(key, until))
}

// LastBefore returns the last active entry with effective_date < before.
func (r *EntryRepo) LastBefore(ctx context.Context, key ledger.Key, before time.Time) (*ledger.Entry, error) {
	return r.selectOne(ctx, r.lastBeforeQuery(key, before))
}

// Latest returns the last active entry in replay order.
func (r *EntryRepo) Latest(ctx context.Context, key ledger.Key) (*ledger.Entry, error) {
	return r.selectOne(ctx, r.latestQuery(key))
}

func (r *EntryRepo) listFromQuery(key ledger.Key, from time.Time) squirrel.SelectBuilder {
	return r.activeOf(key).
		Where(squirrel.GtOrEq{"effective_date": from}).
		OrderBy(replayOrder...)
}

func (r *EntryRepo) listUntilQuery(key ledger.Key, until time.Time) squirrel.SelectBuilder {
	return r.activeOf(key).
		Where(squirrel.LtOrEq{"effective_date": until}).
		OrderBy(replayOrder...)
}

func (r *EntryRepo) lastBeforeQuery(key ledger.Key, before time.Time) squirrel.SelectBuilder {
	return r.activeOf(key).
		Where(squirrel.Lt{"effective_date": before}).
		OrderBy(reverseReplayOrder...).
		Limit(1)
}

func (r *EntryRepo) latestQuery(key ledger.Key) squirrel.SelectBuilder {
	return r.activeOf(key).
		OrderBy(reverseReplayOrder...).
		Limit(1)
}

// SaveSnapshots writes the cached running state of every entry in one round-trip.
func (r *EntryRepo) SaveSnapshots(ctx context.Context, entries []*ledger.Entry) error {
	queries := make([]postgres.BatchQuery, 0, len(entries))
	for _, e := range entries {
		sql, args, err := r.builder.Update(entriesTable).
			Set("balance_after", e.BalanceAfter).
			Set("average_cost_after", e.AverageCostAfter).
			Where(squirrel.Eq{"id": e.ID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build snapshot update: %w", err)
		}
		queries = append(queries, postgres.BatchQuery{SQL: sql, Args: args, ExpectRows: 1})
	}

	if err := r.batch.ExecuteBatch(ctx, queries); err != nil {
		return mapError(err, "save snapshots", ledger.SourceRef{})
	}
	return nil
}

func (r *EntryRepo) selectOne(ctx context.Context, q squirrel.SelectBuilder) (*ledger.Entry, error) {
	entries, err := r.selectMany(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (r *EntryRepo) selectMany(ctx context.Context, q squirrel.SelectBuilder) ([]*ledger.Entry, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var entries []*ledger.Entry
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &entries, sql, args...); err != nil {
		return nil, mapError(err, "select entries", ledger.SourceRef{})
	}
	return entries, nil
}

func (r *EntryRepo) execOne(ctx context.Context, q squirrel.UpdateBuilder, op string, entryID id.ID) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err, op, ledger.SourceRef{})
	}
	if tag.RowsAffected() == 0 {
		return &ledger.EntryNotFoundError{EntryID: entryID}
	}
	return nil
}

// mapError turns Postgres failures into ledger errors.
func mapError(err error, op string, ref ledger.SourceRef) error {
	if postgres.IsLockFailure(err) {
		return &ledger.ConcurrentMutationError{Entity: "ledger", ID: op, Reason: err.Error()}
	}
	if constraint, ok := postgres.UniqueViolation(err); ok {
		if constraint == activeSourceIndex {
			return ledger.NewLinkConflict(ref)
		}
		return apperror.NewConflict(fmt.Sprintf("%s: unique constraint %s violated", op, constraint)).WithCause(err)
	}
	return apperror.NewDatabase(fmt.Errorf("%s: %w", op, err))
}
