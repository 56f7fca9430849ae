package websocket

import (
	"context"
	"net/http"
	"time"

	"im-client/internal/config"
	"im-client/internal/presence"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var newline = []byte("\n")

// InboundHandler processes an event a connected user sent up the socket,
// e.g. a delivered receipt or a typing signal.
type InboundHandler func(ctx context.Context, userID string, ev presence.Event) error

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// Authenticated user id for this connection.
	UserID string

	handle InboundHandler
	log    *zap.Logger
}

// readPump pumps events from the websocket connection to the inbound handler.
func (c *Client) readPump(ctx context.Context, wsCfg config.WebSocketConfig) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	pongWait := time.Duration(wsCfg.PongWaitSeconds) * time.Second
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket closed unexpectedly", zap.String("user_id", c.UserID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Warn("ignoring non-text frame", zap.String("user_id", c.UserID), zap.Int("type", messageType))
			continue
		}

		ev, err := presence.Decode(data)
		if err != nil {
			c.log.Warn("ignoring malformed inbound event", zap.String("user_id", c.UserID), zap.Error(err))
			continue
		}
		// the authenticated id wins over whatever the client claims
		ev.UserID = c.UserID

		if c.handle == nil {
			continue
		}
		if err := c.handle(ctx, c.UserID, ev); err != nil {
			c.log.Warn("inbound event not handled",
				zap.String("user_id", c.UserID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
// Queued messages are coalesced into one frame, newline separated.
func (c *Client) writePump(wsCfg config.WebSocketConfig) {
	writeWait := time.Duration(wsCfg.WriteWaitSeconds) * time.Second
	ticker := time.NewTicker(time.Duration(wsCfg.PingPeriodSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and attaches the connection to hub as userID.
func ServeWs(ctx context.Context, hub *Hub, handle InboundHandler, userID string, w http.ResponseWriter, r *http.Request, wsCfg config.WebSocketConfig) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsCfg.MaxMessageSizeBytes,
		WriteBufferSize: wsCfg.MaxMessageSizeBytes,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		UserID: userID,
		handle: handle,
		log:    hub.log,
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump(wsCfg)
	go client.readPump(ctx, wsCfg)

	hub.log.Info("client connected", zap.String("user_id", userID))
}
