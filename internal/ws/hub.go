// Package ws is the connection dispatcher: it owns the websocket
// connections, their rooms and the routing of inbound events.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relay/internal/protocol"
)

// delivery is one outbound frame addressed to a room or to a single
// connection. It is also the message relayed between instances.
type delivery struct {
	Room   string          `json:"room,omitempty"`
	ConnID string          `json:"connId,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Hub tracks the local connections and rooms. Client registration and every
// write to a client's send channel happen on the Run goroutine; room
// membership is guarded by mu so lookups can answer synchronously.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan delivery
	done       chan struct{}

	mu     sync.RWMutex
	live   map[string]struct{}
	rooms  map[string]map[string]struct{}
	joined map[string]map[string]struct{}

	redis   redis.UniversalClient
	channel string
	log     *zap.Logger
}

// NewHub builds a hub. With a nil redis client emits stay on this instance;
// otherwise they are published on channel and every subscribed instance
// delivers them to its own connections.
func NewHub(redisClient redis.UniversalClient, channel string, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan delivery, 256),
		done:       make(chan struct{}),
		live:       make(map[string]struct{}),
		rooms:      make(map[string]map[string]struct{}),
		joined:     make(map[string]map[string]struct{}),
		redis:      redisClient,
		channel:    channel,
		log:        log.Named("hub"),
	}
}

// Run serves the hub until ctx is done. Afterwards every connection's send
// channel is closed and further emits are dropped.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			return

		case c := <-h.register:
			h.clients[c.ID] = c

		case c := <-h.unregister:
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				close(c.send)
			}

		case d := <-h.broadcast:
			for _, c := range h.targets(d) {
				select {
				case c.send <- d.Frame:
				default:
					// Too slow to keep up; the write pump closes the socket.
					h.log.Warn("dropping slow connection", zap.String("conn_id", c.ID))
					close(c.send)
					delete(h.clients, c.ID)
				}
			}
		}
	}
}

func (h *Hub) targets(d delivery) []*Client {
	if d.ConnID != "" {
		if c, ok := h.clients[d.ConnID]; ok {
			return []*Client{c}
		}
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.rooms[d.Room]))
	for id := range h.rooms[d.Room] {
		if c, ok := h.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// SubscribeToRedis relays deliveries published by any instance to the local
// connections. It returns once ctx is done or the subscription fails.
func (h *Hub) SubscribeToRedis(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}

	pubsub := h.redis.Subscribe(ctx, h.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				h.log.Warn("bad relay message", zap.Error(err))
				continue
			}
			h.enqueue(d)
		}
	}
}

func (h *Hub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][connID] = struct{}{}
	if h.joined[connID] == nil {
		h.joined[connID] = make(map[string]struct{})
	}
	h.joined[connID][room] = struct{}{}
}

func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, room)
}

func (h *Hub) leaveLocked(connID, room string) {
	delete(h.rooms[room], connID)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	delete(h.joined[connID], room)
	if len(h.joined[connID]) == 0 {
		delete(h.joined, connID)
	}
}

func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.joined[connID] {
		h.leaveLocked(connID, room)
	}
}

// Connected reports whether connID is an open connection of this instance.
// It turns false as soon as the connection starts closing.
func (h *Hub) Connected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.live[connID]
	return ok
}

// InRoom only knows about connections of this instance.
func (h *Hub) InRoom(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

func (h *Hub) EmitTo(connID, event string, payload any) {
	h.emit(delivery{ConnID: connID}, protocol.NewEnvelope(event, payload, nil), true)
}

func (h *Hub) EmitRoom(room, event string, payload any) {
	h.emit(delivery{Room: room}, protocol.NewEnvelope(event, payload, nil), true)
}

// reply answers a request. The connection is local by definition, so the
// frame never goes through the relay.
func (h *Hub) reply(connID string, env protocol.Envelope) {
	h.emit(delivery{ConnID: connID}, env, false)
}

func (h *Hub) emit(d delivery, env protocol.Envelope, relay bool) {
	frame, err := json.Marshal(env)
	if err != nil {
		h.log.Error("encode frame", zap.String("event", env.Event), zap.Error(err))
		return
	}
	d.Frame = frame

	if relay && h.redis != nil {
		raw, err := json.Marshal(d)
		if err == nil {
			err = h.redis.Publish(context.Background(), h.channel, raw).Err()
		}
		if err == nil {
			return
		}
		h.log.Warn("relay publish failed, delivering locally", zap.String("event", env.Event), zap.Error(err))
	}
	h.enqueue(d)
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.broadcast <- d:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
	case <-h.done:
		return false
	}
	h.mu.Lock()
	h.live[c.ID] = struct{}{}
	h.mu.Unlock()
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.live, c.ID)
	h.mu.Unlock()

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
