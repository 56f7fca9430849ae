package chatbackend

import (
	"context"

	"go.uber.org/zap"

	"im-client/internal/presence"
)

// Deliverer pushes an encoded event to a connected user.
type Deliverer interface {
	Deliver(userID string, payload []byte) bool
}

// HubPublisher delivers straight to the local websocket hub. Used when the
// server runs as a single instance without Kafka.
type HubPublisher struct {
	hub Deliverer
	log *zap.Logger
}

func NewHubPublisher(hub Deliverer, log *zap.Logger) *HubPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &HubPublisher{hub: hub, log: log}
}

func (p *HubPublisher) Publish(_ context.Context, to []string, ev presence.Event) error {
	payload, err := presence.Encode(ev)
	if err != nil {
		return err
	}
	for _, userID := range to {
		if !p.hub.Deliver(userID, payload) {
			p.log.Debug("recipient offline", zap.String("user_id", userID), zap.String("kind", string(ev.Kind)))
		}
	}
	return nil
}
