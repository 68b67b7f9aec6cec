// Package eventbus carries lifecycle events between the dispatcher and
// watcher (producers) and the reconciler and any optional
// streaming consumers (C3). Delivery is at-least-once with best-effort
// per-id ordering: producers tag events with the monotonic sequence
// number minted by internal/ephemeral so consumers can drop duplicates
// and reorder. There is no durable backlog — if the bus loses events,
// the reaper reconciles.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const topic = "crucible.events.lifecycle"

// Event is the wire envelope around a LifecycleEvent-shaped payload.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher delivers lifecycle events. Implementations must treat
// publish failures as non-fatal to their caller: an event-bus outage
// must never block the dispatcher, watcher, or reconciler.
type Publisher interface {
	Publish(ctx context.Context, payload any) error
	Close() error
}

// Subscriber registers a handler invoked for every event received on
// the lifecycle topic.
type Subscriber interface {
	Subscribe(handler func(Event)) (Subscription, error)
}

// Subscription can be cancelled by the caller.
type Subscription interface {
	Unsubscribe() error
}

// Marshal wraps payload into the wire Event envelope.
func Marshal(source string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Event{
		Topic:     topic,
		Payload:   raw,
		Timestamp: time.Now(),
		Source:    source,
	}, nil
}
