// Package streamapi is an optional websocket fan-out of lifecycle
// events for callers that want to watch an evaluation live instead of
// polling the durable record. It is not on the critical path: every
// lifecycle transition lands durably via the reconciler regardless of
// whether anyone is connected here. Trimmed from per-tenant ticked
// metric snapshots to per-evaluation event push, since Crucible has no
// tenant concept.
package streamapi

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/eventbus"
)

const maxConnections = 500

// Hub fans out every lifecycle event read off the bus to whichever
// connected clients are watching that event's evaluation id.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]string // conn -> evaluation id being watched
	register   chan registration
	unregister chan *websocket.Conn
	sub        eventbus.Subscriber
}

type registration struct {
	conn   *websocket.Conn
	evalID string
}

func NewHub(sub eventbus.Subscriber) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		sub:        sub,
	}
}

// Run subscribes to the event bus and services registration traffic
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	subscription, err := h.sub.Subscribe(h.deliver)
	if err != nil {
		return err
	}
	defer subscription.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("[STREAM] connection rejected: at capacity (%d)", maxConnections)
				continue
			}
			h.clients[reg.conn] = reg.evalID
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		}
	}
}

// deliver is the event-bus handler: it writes evt to every connection
// currently watching evt's evaluation id. A slow or dead client is
// bounded by a short write deadline and then dropped, never allowed to
// back-pressure the bus.
func (h *Hub) deliver(evt eventbus.Event) {
	var lc evalmodel.LifecycleEvent
	if err := json.Unmarshal(evt.Payload, &lc); err != nil {
		log.Printf("[STREAM] dropping unreadable event payload: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, watching := range h.clients {
		if watching != "" && watching != lc.EvalID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, evt.Payload); err != nil {
			log.Printf("[STREAM] write error, dropping client: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register starts fanning events whose lifecycle payload has
// EvalID == evalID to conn. Pass "" to watch every evaluation.
func (h *Hub) Register(conn *websocket.Conn, evalID string) {
	h.register <- registration{conn: conn, evalID: evalID}
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
