package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fuelledger/internal/domain/ledger"
	"fuelledger/pkg/config"
)

// Backend is the configured publisher together with the clients it owns.
type Backend struct {
	Publisher ledger.ChangePublisher
	// Redis is set for the redis backend; subscribers share it.
	Redis *redis.Client

	closers []func() error
}

// Open builds the publisher selected by cfg.Backend.
func Open(ctx context.Context, cfg config.NotifyConfig) (*Backend, error) {
	switch cfg.Backend {
	case config.NotifyRedis:
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Publisher: NewRedisPublisher(client, cfg.Channel),
			Redis:     client,
			closers:   []func() error{client.Close},
		}, nil

	case config.NotifyPubSub:
		pub, err := NewPubSubPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Backend{Publisher: pub, closers: []func() error{pub.Close}}, nil

	case config.NotifyNone, "":
		return &Backend{Publisher: Nop{}}, nil

	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Backend)
	}
}

// Close releases every client.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
