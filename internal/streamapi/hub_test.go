package streamapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/eventbus"
)

// fakeSubscriber lets the test drive delivery directly instead of
// round-tripping through Redis.
type fakeSubscriber struct {
	handler func(eventbus.Event)
}

func (f *fakeSubscriber) Subscribe(handler func(eventbus.Event)) (eventbus.Subscription, error) {
	f.handler = handler
	return fakeSubscription{}, nil
}

type fakeSubscription struct{}

func (fakeSubscription) Unsubscribe() error { return nil }

func (f *fakeSubscriber) publish(t *testing.T, evt evalmodel.LifecycleEvent) {
	t.Helper()
	payload, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.handler(eventbus.Event{Payload: payload})
}

func TestHubDeliversOnlyToMatchingEvalID(t *testing.T) {
	sub := &fakeSubscriber{}
	hub := NewHub(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?eval_id=eval-1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForClients(t, hub, 1)

	sub.publish(t, evalmodel.LifecycleEvent{EvalID: "eval-2", Type: evalmodel.EventRunning})
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no message for a non-matching evaluation id")
	}

	sub.publish(t, evalmodel.LifecycleEvent{EvalID: "eval-1", Type: evalmodel.EventCompleted})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected matching event delivered: %v", err)
	}
	var got evalmodel.LifecycleEvent
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EvalID != "eval-1" || got.Type != evalmodel.EventCompleted {
		t.Fatalf("unexpected event delivered: %+v", got)
	}
}

func TestHubWildcardWatcherReceivesEverything(t *testing.T) {
	sub := &fakeSubscriber{}
	hub := NewHub(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForClients(t, hub, 1)

	sub.publish(t, evalmodel.LifecycleEvent{EvalID: "any-eval", Type: evalmodel.EventQueued})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("expected wildcard watcher to receive event: %v", err)
	}
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d registered clients, got %d", n, h.ClientCount())
}
