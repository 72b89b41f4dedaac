package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fuelledger/internal/core/types"
)

// Step applies one entry to s.
//
// Inbound: balance += qty; average = (balance*average + totalCost) / newBalance,
// rounded to types.CostScale, or zero when the new balance is not positive.
// Outbound: balance -= qty, average unchanged; a negative result is an
// *InsufficientStockError for e.
func Step(s State, e *Entry) (State, error) {
	switch {
	case e.Direction.Inbound():
		balance := s.Balance.Add(e.Quantity)
		avg := decimal.Zero
		if balance.IsPositive() {
			avg = types.RoundCost(s.Balance.Mul(s.AverageCost).Add(e.TotalCost).Div(balance))
		}
		return State{Balance: balance, AverageCost: avg}, nil

	case e.Direction.Outbound():
		balance := s.Balance.Sub(e.Quantity)
		if balance.IsNegative() {
			return s, &InsufficientStockError{
				EntryID:       e.ID,
				Key:           e.Key(),
				EffectiveDate: e.EffectiveDate,
				Requested:     e.Quantity,
				Available:     s.Balance,
			}
		}
		return State{Balance: balance, AverageCost: s.AverageCost}, nil
	}
	return s, fmt.Errorf("entry %s: unknown direction %q", e.ID, e.Direction)
}

// Fold applies entries in order starting from start, writing each entry's
// snapshot. It stops at the first failing entry.
func Fold(start State, entries []*Entry) (State, error) {
	state := start
	for _, e := range entries {
		next, err := Step(state, e)
		if err != nil {
			return state, err
		}
		e.SetSnapshot(next)
		state = next
	}
	return state, nil
}
