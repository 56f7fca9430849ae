package kafkahandlers

import (
	"context"
	"encoding/json"
	"fmt"

	kafkabus "im-client/internal/kafka"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Deliverer pushes an encoded event to a connected user. It reports false
// when the user has no live connection on this instance.
type Deliverer interface {
	Deliver(userID string, payload []byte) bool
}

// StatusFanout routes records of the status topic to the websocket hub,
// one push per addressed user.
type StatusFanout struct {
	hub Deliverer
	log *zap.Logger
}

func NewStatusFanout(hub Deliverer, log *zap.Logger) *StatusFanout {
	if hub == nil {
		panic("kafkahandlers: nil Deliverer")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusFanout{hub: hub, log: log}
}

// Handle is the MessageHandler passed to the status topic consumer.
func (f *StatusFanout) Handle(_ context.Context, msg *kafka.Message) error {
	env, err := kafkabus.DecodeEnvelope(msg.Value)
	if err != nil {
		f.log.Warn("skipping malformed status record", zap.Error(err), zap.ByteString("key", msg.Key))
		return nil
	}

	payload, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("encode event for push: %w", err)
	}

	for _, userID := range env.To {
		if !f.hub.Deliver(userID, payload) {
			f.log.Debug("recipient not connected here",
				zap.String("user_id", userID),
				zap.String("kind", string(env.Event.Kind)))
		}
	}
	return nil
}
