package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/titaniumlabs/streamgate/pkg/infrastructure/logging"
)

// snapshotInterval is how often connected operator clients receive an
// activity snapshot.
const snapshotInterval = 1 * time.Second

// eventHub pushes gateway activity snapshots to operator WebSocket clients.
// Each client gets a buffered channel; a client that cannot keep up drops
// snapshots rather than blocking the broadcaster.
type eventHub struct {
	tracker  *transferTracker
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan interface{}
}

func newEventHub(tracker *transferTracker, log *logging.Logger) *eventHub {
	return &eventHub{
		tracker: tracker,
		log:     log.WithComponent("events"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Endpoint is already behind operator auth.
				return true
			},
		},
		clients: make(map[*websocket.Conn]chan interface{}),
	}
}

// Run broadcasts snapshots until ctx is cancelled. Broadcasting is skipped
// while no client is connected.
func (h *eventHub) Run(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *eventHub) broadcast() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	message := map[string]interface{}{
		"type": "stats",
		"data": h.tracker.snapshot(),
	}
	for _, clientChan := range h.clients {
		select {
		case clientChan <- message:
		default:
			// Client channel full, skip
		}
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, clientChan := range h.clients {
		delete(h.clients, conn)
		close(clientChan)
		conn.Close()
	}
}

// handleWebSocket upgrades the connection and streams snapshots to it
func (h *eventHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	clientChan := make(chan interface{}, 16)

	h.mu.Lock()
	h.clients[conn] = clientChan
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[conn]; ok {
			delete(h.clients, conn)
			close(clientChan)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Send an immediate snapshot so the client does not wait a full tick.
	conn.WriteJSON(map[string]interface{}{
		"type": "stats",
		"data": h.tracker.snapshot(),
	})

	go func() {
		for msg := range clientChan {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	// Drain incoming messages until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
