package notify

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"fuelledger/internal/domain/ledger"
	"fuelledger/pkg/config"
)

// PubSubPublisher publishes change events to a Google Cloud Pub/Sub topic.
// Messages of one ledger share an ordering key so subscribers see them in order.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ ledger.ChangePublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher creates a client for the configured project. Without
// explicit credentials JSON, Application Default Credentials are used.
func NewPubSubPublisher(ctx context.Context, cfg config.NotifyConfig) (*PubSubPublisher, error) {
	var opts []option.ClientOption
	if cfg.PubSubCredsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.PubSubCredsJSON)))
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client for %s: %w", cfg.PubSubProjectID, err)
	}

	topic := client.Topic(cfg.PubSubTopic)
	topic.EnableMessageOrdering = true

	return &PubSubPublisher{client: client, topic: topic}, nil
}

// Publish implements ledger.ChangePublisher. It waits for the server ack.
func (p *PubSubPublisher) Publish(ctx context.Context, event ledger.ChangeEvent) error {
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}

	orderingKey := event.Key().String()
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: orderingKey,
		Attributes: map[string]string{
			"warehouse_id": event.WarehouseID.String(),
			"product":      string(event.Product),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until resumed.
		p.topic.ResumePublish(orderingKey)
		return fmt.Errorf("pubsub publish %s: %w", p.topic.ID(), err)
	}
	return nil
}

// Close flushes pending messages and releases the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
