package introspection

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/agentcore/infrastructure/logging"
	"github.com/R3E-Network/agentcore/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the envelope streamed to every connected /ws client.
type wsMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// Hub fans event bus events out to connected websocket clients. It
// subscribes to the topics named in NewHub and broadcasts every matching
// publish as a JSON frame.
type Hub struct {
	log *logging.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a Hub and subscribes it to bus for each topic in topics.
func NewHub(bus *eventbus.Bus, log *logging.Logger, topics ...string) *Hub {
	h := &Hub{log: log, clients: make(map[*websocket.Conn]struct{})}
	for _, topic := range topics {
		topic := topic
		bus.Subscribe(topic, "introspection-hub", func(ctx context.Context, ev eventbus.Event) error {
			h.broadcast(wsMessage{Topic: topic, Data: ev.Payload})
			return nil
		})
	}
	return h
}

func (h *Hub) broadcast(msg wsMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(msg); err != nil && h.log != nil {
			h.log.Warn(context.Background(), "websocket write failed", map[string]any{"error": err.Error()})
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// HandleWS upgrades the request to a websocket and streams events to it
// until the client disconnects.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	h.add(conn)
	defer h.remove(conn)

	conn.WriteJSON(wsMessage{Topic: "connected", Data: nil})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
