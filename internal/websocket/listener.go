package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"im-client/internal/config"
	"im-client/internal/presence"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Listener is the client end of the presence push channel. It implements
// presence.Source for inbound events and presence.Acker for receipts.
type Listener struct {
	conn  *websocket.Conn
	wsCfg config.WebSocketConfig
	log   *zap.Logger

	writeMu sync.Mutex
}

// Dial opens the push channel, authenticating with the session token.
func Dial(ctx context.Context, url, token string, wsCfg config.WebSocketConfig, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial presence socket %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial presence socket %s: %w", url, err)
	}
	return &Listener{conn: conn, wsCfg: wsCfg, log: log}, nil
}

// Run reads pushed events until ctx is done or the connection drops.
// The server pings; every ping extends the read deadline.
func (l *Listener) Run(ctx context.Context, h presence.Handler) error {
	pongWait := time.Duration(l.wsCfg.PongWaitSeconds) * time.Second
	if l.wsCfg.MaxMessageSizeBytes > 0 {
		// coalesced frames carry several events
		l.conn.SetReadLimit(int64(l.wsCfg.MaxMessageSizeBytes) * 64)
	}
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPingHandler(func(appData string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		return l.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("presence socket read: %w", err)
		}
		for _, line := range bytes.Split(data, newline) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			ev, err := presence.Decode(line)
			if err != nil {
				l.log.Warn("ignoring malformed pushed event", zap.Error(err))
				continue
			}
			if err := h(ctx, ev); err != nil {
				l.log.Warn("pushed event not handled", zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
		}
	}
}

// Ack sends ev up the socket.
func (l *Listener) Ack(ctx context.Context, ev presence.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}

	deadline := time.Now().Add(time.Duration(l.wsCfg.WriteWaitSeconds) * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(deadline)
	return l.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame and closes the connection.
func (l *Listener) Close() error {
	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return l.conn.Close()
}
