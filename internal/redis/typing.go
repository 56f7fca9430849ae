package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"im-client/internal/models"
	"im-client/internal/presence"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	typingKeyPrefix     = "typing:key:"
	typingChannelPrefix = "typing:ch:"
)

func typingKey(conversationID, userID string) string {
	return typingKeyPrefix + conversationID + ":" + userID
}

func typingChannel(conversationID string) string {
	return typingChannelPrefix + conversationID
}

// TypingRelay fans typing signals out to the other participant's devices.
// Each live signal is also kept as a key with a TTL, so a client opening a
// conversation can see who is typing without waiting for the next signal.
type TypingRelay struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewTypingRelay creates a relay; ttl should match the remote visibility timeout.
func NewTypingRelay(client *redis.Client, ttl time.Duration, log *zap.Logger) *TypingRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &TypingRelay{client: client, ttl: ttl, log: log}
}

// Broadcast publishes a start or stop signal.
func (r *TypingRelay) Broadcast(ctx context.Context, signal models.TypingSignal) error {
	key := typingKey(signal.ConversationID, signal.UserID)
	ev := presence.Event{
		Kind:           presence.KindTyping,
		ConversationID: signal.ConversationID,
		UserID:         signal.UserID,
		IsTyping:       signal.IsTyping,
		At:             time.Now(),
	}
	payload, err := presence.Encode(ev)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	if signal.IsTyping {
		pipe.Set(ctx, key, "1", r.ttl)
	} else {
		pipe.Del(ctx, key)
	}
	pipe.Publish(ctx, typingChannel(signal.ConversationID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broadcast typing for %s: %w", key, err)
	}
	return nil
}

// TypingUsers returns the users with a live typing key in conversationID.
func (r *TypingRelay) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	prefix := typingKeyPrefix + conversationID + ":"
	var users []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan typing keys: %w", err)
	}
	return users, nil
}

// Run subscribes to every conversation's typing channel and feeds the
// signals to h as presence events.
func (r *TypingRelay) Run(ctx context.Context, h presence.Handler) error {
	sub := r.client.PSubscribe(ctx, typingChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe typing channels: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := presence.Decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("ignoring malformed typing signal", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if err := h(ctx, ev); err != nil {
				r.log.Warn("typing signal not handled", zap.Error(err))
			}
		}
	}
}
