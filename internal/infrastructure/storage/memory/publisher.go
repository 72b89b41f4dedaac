package memory

import (
	"context"
	"sync"

	"fuelledger/internal/domain/ledger"
)

// Publisher records published change events. Err, when set, is returned from
// every Publish call after the event is recorded as attempted.
type Publisher struct {
	mu        sync.Mutex
	published []ledger.ChangeEvent
	attempts  int
	Err       error
}

var _ ledger.ChangePublisher = (*Publisher)(nil)

func (p *Publisher) Publish(_ context.Context, event ledger.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.Err != nil {
		return p.Err
	}
	p.published = append(p.published, event)
	return nil
}

// Published returns successfully published events.
func (p *Publisher) Published() []ledger.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ledger.ChangeEvent(nil), p.published...)
}

// Attempts returns the number of Publish calls.
func (p *Publisher) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
