package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupBus(t *testing.T, source string) *RedisBus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisBus(client, source)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := setupBus(t, "node-1")
	received := make(chan Event, 1)

	sub, err := bus.Subscribe(func(ev Event) { received <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	// go-redis Subscribe confirms asynchronously; give the subscription
	// loop a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := bus.Publish(context.Background(), sample{EvalID: "eval-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Source != "node-1" {
			t.Fatalf("expected source node-1, got %s", ev.Source)
		}
		var got sample
		if err := json.Unmarshal(ev.Payload, &got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if got.EvalID != "eval-1" {
			t.Fatalf("unexpected payload: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := setupBus(t, "node-1")
	received := make(chan Event, 1)

	sub, err := bus.Subscribe(func(ev Event) { received <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), sample{EvalID: "eval-2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-received:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
