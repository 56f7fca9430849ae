package presence

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"im-client/internal/apperrors"
	"im-client/internal/metrics"
	"im-client/internal/models"
)

// StatusSink is the part of the message service presence feeds.
type StatusSink interface {
	ApplyStatusEvent(messageID string, status models.Status) error
	ReceiveMessage(msg models.ServerMessage) error
}

// TypingSink receives remote typing signals.
type TypingSink interface {
	ReceiveTyping(conversationID, userID string, isTyping bool)
}

// Dispatcher routes events to the client services. Events echoing the
// local user's own activity are ignored.
type Dispatcher struct {
	self     string
	messages StatusSink
	typing   TypingSink
	acker    Acker
	log      *zap.Logger
}

// NewDispatcher creates a dispatcher for selfID. acker may be nil, in which
// case incoming messages are not acknowledged as delivered.
func NewDispatcher(selfID string, messages StatusSink, typing TypingSink, acker Acker, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{self: selfID, messages: messages, typing: typing, acker: acker, log: log}
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	metrics.PresenceEvents.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case KindStatus:
		err := d.messages.ApplyStatusEvent(ev.MessageID, ev.Status)
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			// status for a message this client never loaded
			d.log.Debug("status event for unknown message", zap.String("message_id", ev.MessageID))
			return nil
		}
		return err

	case KindTyping:
		if ev.UserID == d.self {
			return nil
		}
		d.typing.ReceiveTyping(ev.ConversationID, ev.UserID, ev.IsTyping)
		return nil

	case KindMessage:
		msg := *ev.Message
		if msg.SenderID == d.self {
			return nil
		}
		if err := d.messages.ReceiveMessage(msg); err != nil {
			return fmt.Errorf("receive message %s: %w", msg.ID, err)
		}
		if d.acker == nil {
			return nil
		}
		receipt := Event{
			Kind:           KindStatus,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			UserID:         d.self,
			Status:         models.StatusDelivered,
			At:             ev.At,
		}
		if err := d.acker.Ack(ctx, receipt); err != nil {
			d.log.Warn("delivered receipt not sent", zap.String("message_id", msg.ID), zap.Error(err))
		}
		return nil

	default:
		d.log.Warn("ignoring presence event of unknown kind", zap.String("kind", string(ev.Kind)))
		return nil
	}
}

// RunAll runs every source against h until ctx is done or one of them fails.
func RunAll(ctx context.Context, h Handler, sources ...Source) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error { return src.Run(gctx, h) })
	}
	return g.Wait()
}
