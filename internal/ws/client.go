package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/whereami/internal/broadcast"
	"github.com/dgnsrekt/whereami/internal/location"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Overlays only send control frames.
	maxMessageSize = 4 * 1024

	// Send buffer size per client. The subscription already bounds backlog.
	sendBufferSize = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser sources load overlays from file:// or other local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON text frame sent for every location change.
type Message struct {
	Type     string             `json:"type"`
	Seq      uint64             `json:"seq"`
	Location *location.Snapshot `json:"location"`
}

// NewMessage converts a broadcaster message into its wire form.
func NewMessage(m broadcast.Message[*location.Location]) Message {
	return Message{
		Type:     m.Kind.String(),
		Seq:      m.Seq,
		Location: location.NewSnapshot(m.Value),
	}
}

// Client represents a WebSocket client connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	sub    *broadcast.Subscriber[*location.Location]
	send   chan []byte
	connID string
	logger *zap.Logger
}

// HandleWS upgrades the request and streams location messages until either
// side goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sub, err := h.feed.Subscribe()
	if err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	client := &Client{
		hub:    h,
		conn:   conn,
		sub:    sub,
		send:   make(chan []byte, sendBufferSize),
		connID: connID,
		logger: h.logger.With(zap.String("connID", connID)),
	}

	if !h.add(client) {
		sub.Close()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client.logger.Debug("websocket client connected", zap.String("remote_addr", r.RemoteAddr))

	go client.feedPump()
	go client.writePump()
	go client.readPump()
}

// feedPump moves subscription messages onto send. It owns send and closes
// it when the subscription ends.
func (c *Client) feedPump() {
	defer close(c.send)

	for {
		m, err := c.sub.Next(context.Background())
		if err != nil {
			if !errors.Is(err, broadcast.ErrClosed) {
				c.logger.Debug("feed ended", zap.Error(err))
			}
			return
		}

		payload, err := json.Marshal(NewMessage(m))
		if err != nil {
			c.logger.Error("encoding location message", zap.Error(err))
			continue
		}

		select {
		case c.send <- payload:
		case <-c.sub.Done():
			return
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Subscription ended, send close message
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				c.sub.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.sub.Close()
				return
			}
		}
	}
}
