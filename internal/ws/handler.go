package ws

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionEnder releases the presence of a closed connection.
type SessionEnder interface {
	End(ctx context.Context, connID string)
}

// Heartbeater extends the presence ttl of a live connection.
type Heartbeater interface {
	Heartbeat(ctx context.Context, connID string) error
}

type Handler struct {
	hub      *Hub
	router   *Router
	sessions SessionEnder
	presence Heartbeater
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler serves websocket upgrades. An empty allowedOrigins accepts any
// origin; requests without an Origin header (non-browser clients) are always
// accepted.
func NewHandler(hub *Hub, router *Router, sessions SessionEnder, presence Heartbeater, allowedOrigins []string, log *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		router:   router,
		sessions: sessions,
		presence: presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		log: log.Named("ws"),
	}
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		router: h.router,
	}
	client.log = h.log.With(zap.String("conn_id", client.ID))
	client.onPong = h.heartbeat
	client.onClose = func(connID string) {
		h.sessions.End(context.Background(), connID)
	}

	if !h.hub.add(client) {
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) heartbeat(connID string) {
	if h.presence == nil {
		return
	}
	go func() {
		// Unregistered connections (not yet authorized) have nothing to extend.
		_ = h.presence.Heartbeat(context.Background(), connID)
	}()
}
