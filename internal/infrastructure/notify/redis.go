// Package notify delivers ledger change events to external transports.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fuelledger/internal/domain/ledger"
	"fuelledger/pkg/config"
	"fuelledger/pkg/logger"
)

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.NotifyConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddress, err)
	}
	return client, nil
}

// RedisPublisher publishes change events on a Redis channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

var _ ledger.ChangePublisher = (*RedisPublisher)(nil)

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements ledger.ChangePublisher.
func (p *RedisPublisher) Publish(ctx context.Context, event ledger.ChangeEvent) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

// RedisSubscriber listens on a Redis channel and hands every change event to a handler.
type RedisSubscriber struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSubscriber(client redis.UniversalClient, channel string) *RedisSubscriber {
	return &RedisSubscriber{client: client, channel: channel}
}

// Run blocks until ctx is cancelled. Undecodable messages are logged and skipped.
func (s *RedisSubscriber) Run(ctx context.Context, handle func(context.Context, ledger.ChangeEvent)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so early events are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	logger.Info(ctx, "subscribed to ledger changes", "channel", s.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			event, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				logger.Warn(ctx, "dropping malformed change event", "channel", s.channel, "error", err)
				continue
			}
			handle(ctx, event)
		}
	}
}

func encodeEvent(event ledger.ChangeEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal change event: %w", err)
	}
	return payload, nil
}

func decodeEvent(payload []byte) (ledger.ChangeEvent, error) {
	var event ledger.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, fmt.Errorf("unmarshal change event: %w", err)
	}
	if !event.Product.Valid() {
		return event, fmt.Errorf("unknown product %q", event.Product)
	}
	return event, nil
}
