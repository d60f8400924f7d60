package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshrtc/signaling/internal/v1/logging"
	"github.com/meshrtc/signaling/internal/v1/metrics"
	"github.com/meshrtc/signaling/internal/v1/types"
)

// Hub upgrades HTTP requests to WebSocket connections and tracks the live
// set. The set feeds the heartbeat's connection count and lets Shutdown
// close every socket.
type Hub struct {
	validator types.TokenValidator
	router    types.RoomRouter

	// allowedOrigins restricts browser connections. Empty means any
	// origin; requests without an Origin header are always accepted so
	// non-browser clients can connect.
	allowedOrigins []string

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(validator types.TokenValidator, router types.RoomRouter, allowedOrigins []string) *Hub {
	return &Hub{
		validator:      validator,
		router:         router,
		allowedOrigins: allowedOrigins,
		clients:        make(map[*Client]struct{}),
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeWs upgrades the request and starts the connection pumps. The client
// authenticates in-band with its first frame; the HTTP layer only enforces
// the origin policy.
func (h *Hub) ServeWs(c *gin.Context) {
	// The pool must stay empty-constructed: gorilla stores its own buffer
	// type in it, so a New func returning anything else is never reused.
	upgrader := websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		WriteBufferPool: &sync.Pool{},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(conn, h, h.validator, h.router)
	metrics.IncConnection()
	logging.Debug(c.Request.Context(), "WebSocket connection established",
		zap.String("connection_id", client.connID.String()),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.writePump()
	go client.readPump()
}

// register adds an authenticated client to the live set.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ConnectionCount reports the number of authenticated connections on this
// node. Sampled by the cluster heartbeat.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every live connection through the normal teardown path:
// closing a client stops its writePump, which closes the socket, which ends
// its readPump and removes the user from the registries. Broadcasts racing
// the shutdown land on still-open queues and are dropped, never panicking.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	logging.Info(ctx, "Shutting down hub", zap.Int("connections", len(clients)))
	for _, c := range clients {
		c.close()
	}
	return nil
}
