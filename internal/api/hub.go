// Package api implements the HTTP surface described in §6/§4.G-I: request
// decoding, job-id tracking for the asynchronous handout path, and the
// operator-facing ops event hub. None of it carries pool invariants — it is
// thin glue over internal/pool, exactly as §1 scopes it.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proxysupervisor/internal/logging"
	"proxysupervisor/internal/pool"
)

// envelope is the wire shape of one broadcast event, mirroring the teacher's
// WebSocketMessage{Type, Data} convention.
type envelope struct {
	Type string    `json:"type"`
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Hub fans pool lifecycle events out to connected dashboards over
// WebSocket. It is adapted from the teacher's web.Hub/ServeWs broadcaster:
// same register/unregister/broadcast channel shape, retargeted from
// traffic-log/stats messages to pool state-transition events. It implements
// pool.EventSink so a Supervisor can be wired straight to it.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

// NewHub returns a Hub. Call Run in its own goroutine before serving /ws.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run is the hub's single event loop. It owns clients and must be the only
// goroutine that reads or writes the map.
func (h *Hub) Run() {
	l := logging.WithComponent("api/hub")
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					l.Warn().Err(err).Msg("dashboard write failed, will be unregistered by its read pump")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish implements pool.EventSink. It is best-effort and non-blocking: a
// full broadcast channel drops the event rather than stall the Supervisor
// (§4.I, §5 — publish must never block a pool mutation).
func (h *Hub) Publish(ev pool.Event) {
	msg, err := json.Marshal(envelope{Type: ev.Kind, Name: ev.Name, At: ev.At})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		logging.WithComponent("api/hub").Warn().Msg("broadcast channel full, dropping event")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades the request to a WebSocket and registers it as a
// dashboard client. A read pump detects client-initiated close so the
// connection is unregistered promptly.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithComponent("api/hub").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	hub.register <- conn

	go func() {
		defer func() { hub.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
