package ledger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fuelledger/internal/core/id"
	"fuelledger/pkg/logger"
)

var tracer = otel.Tracer("fuelledger/ledger")

// Engine recomputes balances and average costs. Every write method must run
// inside a transaction; the aggregate row lock is taken before any entry is read.
type Engine struct {
	entries    EntryRepository
	aggregates AggregateRepository
}

// NewEngine creates an Engine.
func NewEngine(entries EntryRepository, aggregates AggregateRepository) *Engine {
	return &Engine{entries: entries, aggregates: aggregates}
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	State    State
	Entries  []*Entry
	Replayed int
}

// Find returns the replayed entry with entryID, or nil.
func (r ReplayResult) Find(entryID id.ID) *Entry {
	for _, e := range r.Entries {
		if e.ID == entryID {
			return e
		}
	}
	return nil
}

// StartingState returns the state just before from: the snapshot of the last
// active entry strictly before from, or the zero state. Deleted entries are
// never considered.
func (g *Engine) StartingState(ctx context.Context, key Key, from time.Time) (State, error) {
	prev, err := g.entries.LastBefore(ctx, key, from)
	if err != nil {
		return State{}, fmt.Errorf("last entry before %s: %w", from.Format(time.RFC3339), err)
	}
	if prev == nil {
		return State{}, nil
	}
	return prev.Snapshot(), nil
}

// RecalculateFrom locks the aggregate of key, replays every active entry with
// effective date >= from starting at start, rewrites their snapshots and
// stores the final state in the aggregate.
func (g *Engine) RecalculateFrom(ctx context.Context, key Key, from time.Time, start State, now time.Time) (ReplayResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.replay",
		trace.WithAttributes(
			attribute.String("ledger.key", key.String()),
			attribute.String("ledger.from", from.Format(time.RFC3339)),
		),
	)
	defer span.End()

	agg, err := g.aggregates.GetForUpdate(ctx, key)
	if err != nil {
		span.RecordError(err)
		return ReplayResult{}, err
	}

	entries, err := g.entries.ListFrom(ctx, key, from)
	if err != nil {
		span.RecordError(err)
		return ReplayResult{}, fmt.Errorf("list entries: %w", err)
	}

	state, err := Fold(start, entries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay rejected")
		return ReplayResult{}, err
	}

	if len(entries) > 0 {
		if err := g.entries.SaveSnapshots(ctx, entries); err != nil {
			return ReplayResult{}, fmt.Errorf("save snapshots: %w", err)
		}
	}

	lastID, err := g.lastEntryID(ctx, key, entries)
	if err != nil {
		return ReplayResult{}, err
	}
	agg.Apply(state, lastID, now)
	if err := g.aggregates.Save(ctx, agg); err != nil {
		return ReplayResult{}, err
	}

	span.SetAttributes(attribute.Int("ledger.replayed", len(entries)))
	logger.Debug(ctx, "ledger replayed",
		"key", key.String(),
		"from", from,
		"replayed", len(entries),
		"balance", state.Balance.String(),
		"average_cost", state.AverageCost.String(),
	)

	return ReplayResult{State: state, Entries: entries, Replayed: len(entries)}, nil
}

// AppendFast appends e when it sorts after every active entry of its ledger.
// agg must be locked by the caller. One Step against the aggregate state is
// equivalent to a replay because both go through Step.
func (g *Engine) AppendFast(ctx context.Context, agg *Aggregate, e *Entry, now time.Time) (State, error) {
	state, err := Step(agg.State(), e)
	if err != nil {
		return State{}, err
	}
	e.SetSnapshot(state)

	if err := g.entries.Append(ctx, e); err != nil {
		return State{}, fmt.Errorf("append entry: %w", err)
	}

	entryID := e.ID
	agg.Apply(state, &entryID, now)
	if err := g.aggregates.Save(ctx, agg); err != nil {
		return State{}, err
	}
	return state, nil
}

// Replay reconstructs the state of key after every active entry with
// effective date <= until. Nothing is written.
func (g *Engine) Replay(ctx context.Context, key Key, until time.Time) (State, int, error) {
	entries, err := g.entries.ListUntil(ctx, key, until)
	if err != nil {
		return State{}, 0, fmt.Errorf("list entries: %w", err)
	}
	state, err := Fold(State{}, entries)
	if err != nil {
		return State{}, 0, err
	}
	return state, len(entries), nil
}

// VerifyReport compares stored snapshots and the aggregate with a full replay.
type VerifyReport struct {
	WarehouseID    id.ID       `json:"warehouseId"`
	Product        ProductType `json:"product"`
	Entries        int         `json:"entries"`
	Drifted        []id.ID     `json:"drifted"`
	Expected       State       `json:"expected"`
	Stored         State       `json:"stored"`
	AggregateDrift bool        `json:"aggregateDrift"`
	// Failure is set when the stored history itself cannot be replayed.
	Failure string `json:"failure,omitempty"`
}

// Consistent reports whether nothing drifted.
func (r VerifyReport) Consistent() bool {
	return len(r.Drifted) == 0 && !r.AggregateDrift && r.Failure == ""
}

// Verify replays the full history of key without writing and reports drift.
func (g *Engine) Verify(ctx context.Context, key Key) (VerifyReport, error) {
	report := VerifyReport{WarehouseID: key.WarehouseID, Product: key.Product, Drifted: []id.ID{}}

	agg, err := g.aggregates.Get(ctx, key)
	if err != nil {
		return report, err
	}
	report.Stored = agg.State()

	entries, err := g.entries.ListFrom(ctx, key, time.Time{})
	if err != nil {
		return report, fmt.Errorf("list entries: %w", err)
	}
	report.Entries = len(entries)

	state := State{}
	for _, e := range entries {
		next, err := Step(state, e)
		if err != nil {
			report.Failure = err.Error()
			report.Expected = state
			report.AggregateDrift = true
			return report, nil
		}
		if !next.Equal(e.Snapshot()) {
			report.Drifted = append(report.Drifted, e.ID)
		}
		state = next
	}

	report.Expected = state
	report.AggregateDrift = !state.Equal(report.Stored)
	return report, nil
}

func (g *Engine) lastEntryID(ctx context.Context, key Key, replayed []*Entry) (*id.ID, error) {
	if n := len(replayed); n > 0 {
		last := replayed[n-1].ID
		return &last, nil
	}
	latest, err := g.entries.Latest(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("latest entry: %w", err)
	}
	if latest == nil {
		return nil, nil
	}
	last := latest.ID
	return &last, nil
}
