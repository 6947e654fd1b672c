package laboratory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OrderEvent announces that an order reached a terminal status.
type OrderEvent struct {
	OrderID     uuid.UUID   `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	Status      OrderStatus `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Notifier delivers order events after the transaction that produced them
// has committed.
type Notifier interface {
	Publish(ctx context.Context, ev OrderEvent) error
}

// Publisher is the part of *redis.Client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type redisNotifier struct {
	client  Publisher
	channel string
}

// NewRedisNotifier publishes events as JSON on channel.
func NewRedisNotifier(client Publisher, channel string) Notifier {
	return &redisNotifier{client: client, channel: channel}
}

func (n *redisNotifier) Publish(ctx context.Context, ev OrderEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode order event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", n.channel, err)
	}
	return nil
}

type nopNotifier struct{}

// NopNotifier discards every event.
func NopNotifier() Notifier { return nopNotifier{} }

func (nopNotifier) Publish(context.Context, OrderEvent) error { return nil }
