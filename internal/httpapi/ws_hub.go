package httpapi

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vkazachenko/ldfleet/internal/observability"
)

const maxWSConnections = 50

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // single-operator local dashboard
}

// SnapshotHub broadcasts the Scheduler's snapshot to every connected
// dashboard client on a fixed tick. Adapted from the teacher's
// MetricsHub: same register/unregister/broadcast channel loop, collapsed
// from per-tenant fan-out to one shared snapshot since this system has a
// single operator (spec §1 Non-goals).
type SnapshotHub struct {
	snapshots  SnapshotSource
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewSnapshotHub builds a hub pulling snapshots from src.
func NewSnapshotHub(src SnapshotSource) *SnapshotHub {
	return &SnapshotHub{
		snapshots:  src,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run is the hub's main loop; blocks until stop is closed.
func (h *SnapshotHub) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("httpapi: websocket rejected, max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
			observability.ConnectedDashboardClients.Set(float64(h.ClientCount()))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			observability.ConnectedDashboardClients.Set(float64(h.ClientCount()))
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *SnapshotHub) broadcast() {
	snap := h.snapshots.Snapshot()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			log.Printf("httpapi: websocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *SnapshotHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds conn to the broadcast set.
func (h *SnapshotHub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes conn from the broadcast set.
func (h *SnapshotHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of connected clients.
func (h *SnapshotHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the HTTP request and registers the connection
// with the hub, reading (and discarding) client frames only to detect
// disconnects, mirroring the teacher's handleDashboardStream.
func (h *SnapshotHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket upgrade failed: %v", err)
		return
	}
	h.Register(conn)
	defer h.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
