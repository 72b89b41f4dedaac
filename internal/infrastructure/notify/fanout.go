package notify

import (
	"context"
	"errors"

	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/storage/postgres"
)

// Fanout publishes every event to all publishers, even when some fail.
type Fanout []ledger.ChangePublisher

var _ ledger.ChangePublisher = Fanout(nil)

func (f Fanout) Publish(ctx context.Context, event ledger.ChangeEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event. Used when no backend is configured.
type Nop struct{}

func (Nop) Publish(context.Context, ledger.ChangeEvent) error { return nil }

// RelayHandler forwards outbox messages to a publisher.
type RelayHandler struct {
	publisher ledger.ChangePublisher
}

var _ postgres.OutboxHandler = (*RelayHandler)(nil)

func NewRelayHandler(publisher ledger.ChangePublisher) *RelayHandler {
	return &RelayHandler{publisher: publisher}
}

// Handle implements postgres.OutboxHandler.
func (h *RelayHandler) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	event, err := msg.ChangeEvent()
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, event)
}
