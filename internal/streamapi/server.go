package streamapi

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin checks belong to the HTTP gateway this package assumes
	// sits in front of it; crucible itself has no browser-facing surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request and registers the connection with h,
// watching only evalID (the "eval_id" query parameter), or every
// evaluation if it is empty.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[STREAM] upgrade failed: %v", err)
		return
	}
	evalID := r.URL.Query().Get("eval_id")
	h.Register(conn, evalID)

	// Drain and discard client frames (ping/close) so the connection's
	// read side stays serviced; this endpoint is push-only.
	go func() {
		defer h.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
