package eventbus

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Publisher and Subscriber over Redis Pub/Sub.
type RedisBus struct {
	client *redis.Client
	source string
}

// NewRedisBus builds a bus sharing a Redis client with the ephemeral
// store (the same instance is perfectly adequate: Pub/Sub and normal
// commands are independent on one connection pool).
func NewRedisBus(client *redis.Client, source string) *RedisBus {
	return &RedisBus{client: client, source: source}
}

// Publish is best-effort: a publish error is returned to the caller,
// who is expected (per the dispatcher/watcher/reconciler contract) to
// log it and continue rather than fail the operation it is reporting.
func (b *RedisBus) Publish(ctx context.Context, payload any) error {
	ev, err := Marshal(b.source, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, raw).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Unsubscribe() error {
	return s.pubsub.Close()
}

// Subscribe starts a goroutine delivering events to handler until the
// subscription is cancelled. Malformed payloads are logged and
// dropped rather than crashing the consumer — the reconciler treats
// event-bus loss as recoverable by the reaper, and a malformed message
// is no different.
func (b *RedisBus) Subscribe(handler func(Event)) (Subscription, error) {
	ps := b.client.Subscribe(context.Background(), topic)
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[EVENTBUS] dropping malformed message: %v", err)
				continue
			}
			handler(ev)
		}
	}()
	return &redisSubscription{pubsub: ps}, nil
}
