// Package presence carries asynchronous signals from the backend to the
// client core: status advances, typing and newly arrived messages. The
// transport (websocket push, Kafka, Redis pub/sub) is pluggable.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"im-client/internal/models"
)

type Kind string

const (
	KindStatus  Kind = "status"
	KindTyping  Kind = "typing"
	KindMessage Kind = "message"
)

// Event is the wire shape shared by every presence transport.
type Event struct {
	Kind           Kind                  `json:"kind"`
	ConversationID string                `json:"conversationId"`
	MessageID      string                `json:"messageId,omitempty"`
	UserID         string                `json:"userId,omitempty"`
	Status         models.Status         `json:"status,omitempty"`
	IsTyping       bool                  `json:"isTyping,omitempty"`
	Message        *models.ServerMessage `json:"message,omitempty"`
	At             time.Time             `json:"at"`
}

// Validate checks the fields each kind needs.
func (e Event) Validate() error {
	switch e.Kind {
	case KindStatus:
		if e.MessageID == "" || e.Status == "" {
			return fmt.Errorf("status event needs messageId and status")
		}
		switch e.Status {
		case models.StatusSent, models.StatusDelivered, models.StatusRead, models.StatusFailed:
		default:
			return fmt.Errorf("status event with unknown status %q", e.Status)
		}
	case KindTyping:
		if e.ConversationID == "" || e.UserID == "" {
			return fmt.Errorf("typing event needs conversationId and userId")
		}
	case KindMessage:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("message event without message")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Decode parses and validates one event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode presence event: %w", err)
	}
	if e.Kind == KindMessage && e.Message != nil && e.ConversationID == "" {
		e.ConversationID = e.Message.ConversationID
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Encode is the inverse of Decode.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Handler consumes one event. A non-nil error means the event was not
// processed and may be redelivered by transports that support it.
type Handler func(ctx context.Context, ev Event) error

// Source delivers events until ctx is done or the transport fails.
type Source interface {
	Run(ctx context.Context, h Handler) error
}

// Acker sends an event back towards the backend, e.g. a delivered receipt.
type Acker interface {
	Ack(ctx context.Context, ev Event) error
}
