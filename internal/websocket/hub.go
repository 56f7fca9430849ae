package websocket

import (
	"context"

	"go.uber.org/zap"
)

type delivery struct {
	userID  string
	payload []byte
	result  chan bool
}

// Hub maintains the set of active clients and pushes presence events to
// them. One connection per user; a new connection replaces the old one.
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	direct     chan delivery
	done       chan struct{}

	log *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan delivery, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Deliver queues payload for userID and reports whether that user has a
// live connection on this hub. It does not wait for the socket write.
func (h *Hub) Deliver(userID string, payload []byte) bool {
	d := delivery{userID: userID, payload: payload, result: make(chan bool, 1)}
	select {
	case h.direct <- d:
	case <-h.done:
		return false
	default:
		h.log.Warn("hub direct channel is full, dropping push", zap.String("user_id", userID))
		return false
	}
	select {
	case ok := <-d.result:
		return ok
	case <-h.done:
		return false
	}
}

// Run starts the hub loop; it returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for userID, client := range h.clients {
				close(client.send)
				delete(h.clients, userID)
			}
			h.log.Info("websocket hub stopped")
			return

		case client := <-h.register:
			if existing, ok := h.clients[client.UserID]; ok {
				h.log.Info("replacing existing connection", zap.String("user_id", client.UserID))
				close(existing.send)
			}
			h.clients[client.UserID] = client

		case client := <-h.unregister:
			// an already replaced connection must not evict its successor
			if stored, ok := h.clients[client.UserID]; ok && stored == client {
				delete(h.clients, client.UserID)
				close(client.send)
			}

		case d := <-h.direct:
			client, ok := h.clients[d.userID]
			if !ok {
				d.result <- false
				continue
			}
			select {
			case client.send <- d.payload:
				d.result <- true
			default:
				h.log.Warn("client send buffer full, disconnecting", zap.String("user_id", d.userID))
				close(client.send)
				delete(h.clients, d.userID)
				d.result <- false
			}
		}
	}
}
