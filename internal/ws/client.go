package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/internal/apperr"
	"relay/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	ID     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	router *Router
	log    *zap.Logger

	// inflight counts events still being handled.
	inflight sync.WaitGroup

	// onPong and onClose are optional hooks for the presence layer.
	onPong  func(connID string)
	onClose func(connID string)
}

// ReadPump reads frames until the connection fails. Each event is handled on
// its own goroutine with a context that outlives the connection, so a
// disconnect never aborts a transaction half way. onClose runs only after
// every in-flight event has finished.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		c.inflight.Wait()
		if c.onClose != nil {
			c.onClose(c.ID)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.onPong != nil {
			c.onPong(c.ID)
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info("connection closed", zap.Error(err))
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			c.hub.reply(c.ID, protocol.NewEnvelope(frame.Event, nil, apperr.Validation("malformed frame")))
			continue
		}

		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			env := c.router.Dispatch(context.Background(), c.ID, frame)
			c.hub.reply(c.ID, env)
		}()
	}
}

// WritePump drains the send channel and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
