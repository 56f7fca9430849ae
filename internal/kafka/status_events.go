package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"im-client/internal/presence"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Envelope is the record written to the status topic: a presence event and
// the users it is addressed to.
type Envelope struct {
	To    []string       `json:"to"`
	Event presence.Event `json:"event"`
}

// AddressedTo reports whether userID is one of the recipients.
func (e Envelope) AddressedTo(userID string) bool {
	return slices.Contains(e.To, userID)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode status envelope: %w", err)
	}
	if len(env.To) == 0 {
		return Envelope{}, fmt.Errorf("status envelope without recipients")
	}
	if err := env.Event.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// StatusPublisher writes presence events to the status topic, keyed by
// conversation so events of one conversation stay ordered.
type StatusPublisher struct {
	producer MessageProducer
	topic    string
}

func NewStatusPublisher(producer MessageProducer, topic string) *StatusPublisher {
	return &StatusPublisher{producer: producer, topic: topic}
}

func (p *StatusPublisher) Publish(ctx context.Context, to []string, ev presence.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{To: to, Event: ev})
	if err != nil {
		return fmt.Errorf("encode status envelope: %w", err)
	}
	return p.producer.SendMessage(ctx, p.topic, []byte(ev.ConversationID), payload)
}

// PresenceSource feeds the status topic into the client core. It is the
// alternative to the websocket listener for deployments where clients can
// reach the brokers.
type PresenceSource struct {
	consumer MessageConsumer
	topic    string
	groupID  string
	self     string
	log      *zap.Logger
}

func NewPresenceSource(consumer MessageConsumer, topic, groupID, selfID string, log *zap.Logger) *PresenceSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceSource{consumer: consumer, topic: topic, groupID: groupID, self: selfID, log: log}
}

func (s *PresenceSource) Run(ctx context.Context, h presence.Handler) error {
	return s.consumer.Consume(ctx, []string{s.topic}, s.groupID, s.handler(h))
}

func (s *PresenceSource) handler(h presence.Handler) MessageHandler {
	return func(ctx context.Context, msg *kafka.Message) error {
		env, err := DecodeEnvelope(msg.Value)
		if err != nil {
			// poison record, commit past it
			s.log.Warn("skipping malformed status record", zap.Error(err))
			return nil
		}
		if !env.AddressedTo(s.self) {
			return nil
		}
		return h(ctx, env.Event)
	}
}
