package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nikhilch98/taskbrew/internal/bus"
)

// writeTimeout bounds how long a single event broadcast may take before a
// client is considered slow and disconnected. A stalled client must never
// hold up the fan-out to everyone else.
const writeTimeout = 2 * time.Second

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, env wsEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, env)
}

// hub accepts /ws/events connections and forwards every bus event to every
// connected client. Connections are read-only from the client's side (there
// is no client->server RPC on this endpoint); the read loop exists only to
// detect disconnection.
type hub struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub(b *bus.Bus, logger *slog.Logger) *hub {
	return &hub{bus: b, logger: logger, clients: map[*wsClient]struct{}{}}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("gateway_ws_client_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.bus.Subscribe("")
	defer h.bus.Unsubscribe(sub)

	go h.forward(ctx, c, sub)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		h.logger.Info("gateway_ws_client_disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Drain and discard any client->server frames; the connection is purely
	// a broadcast source. A read error (including client-initiated close)
	// ends the loop.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (h *hub) forward(ctx context.Context, c *wsClient, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch():
			if !ok {
				return
			}
			env := wsEnvelope{Type: evt.Topic(), Data: evt}
			if err := c.write(ctx, env); err != nil {
				h.logger.Warn("gateway_ws_slow_client_disconnected", "error", err)
				_ = c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
				return
			}
		}
	}
}
