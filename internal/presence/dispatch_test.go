package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-client/internal/apperrors"
	"im-client/internal/models"
)

type sink struct {
	statuses []models.Status
	received []string
	typing   []string
	err      error
}

func (s *sink) ApplyStatusEvent(_ string, st models.Status) error {
	s.statuses = append(s.statuses, st)
	return s.err
}

func (s *sink) ReceiveMessage(msg models.ServerMessage) error {
	s.received = append(s.received, msg.ID)
	return nil
}

func (s *sink) ReceiveTyping(_, userID string, isTyping bool) {
	if isTyping {
		s.typing = append(s.typing, userID)
	}
}

type acks struct{ events []Event }

func (a *acks) Ack(_ context.Context, ev Event) error {
	a.events = append(a.events, ev)
	return nil
}

func TestDecodeValidates(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"status","messageId":"m1","status":"delivered"}`))
	assert.NoError(t, err)

	_, err = Decode([]byte(`{"kind":"status","messageId":"m1","status":"pending"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"kind":"wave"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	ev, err := Decode([]byte(`{"kind":"message","message":{"id":"s1","conversationId":"c1","senderId":"bob"}}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", ev.ConversationID)
}

func TestEncodeRoundTrip(t *testing.T) {
	in := Event{Kind: KindTyping, ConversationID: "c1", UserID: "bob", IsTyping: true, At: time.Unix(100, 0).UTC()}
	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDispatchRoutesByKind(t *testing.T) {
	s := &sink{}
	a := &acks{}
	d := NewDispatcher("alice", s, s, a, nil)
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, Event{Kind: KindStatus, MessageID: "m1", Status: models.StatusRead}))
	require.NoError(t, d.Handle(ctx, Event{Kind: KindTyping, ConversationID: "c1", UserID: "bob", IsTyping: true}))
	require.NoError(t, d.Handle(ctx, Event{Kind: KindTyping, ConversationID: "c1", UserID: "alice", IsTyping: true}))
	require.NoError(t, d.Handle(ctx, Event{Kind: KindMessage, Message: &models.ServerMessage{ID: "s1", ConversationID: "c1", SenderID: "bob"}}))
	require.NoError(t, d.Handle(ctx, Event{Kind: KindMessage, Message: &models.ServerMessage{ID: "s2", ConversationID: "c1", SenderID: "alice"}}))

	assert.Equal(t, []models.Status{models.StatusRead}, s.statuses)
	assert.Equal(t, []string{"bob"}, s.typing)
	assert.Equal(t, []string{"s1"}, s.received)
	require.Len(t, a.events, 1)
	assert.Equal(t, models.StatusDelivered, a.events[0].Status)
	assert.Equal(t, "s1", a.events[0].MessageID)
}

func TestDispatchSwallowsUnknownMessage(t *testing.T) {
	s := &sink{err: apperrors.NotFound("message", "m9")}
	d := NewDispatcher("alice", s, s, nil, nil)
	assert.NoError(t, d.Handle(context.Background(), Event{Kind: KindStatus, MessageID: "m9", Status: models.StatusDelivered}))

	s.err = errors.New("boom")
	assert.Error(t, d.Handle(context.Background(), Event{Kind: KindStatus, MessageID: "m9", Status: models.StatusDelivered}))
}

type chanSource chan Event

func (c chanSource) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c:
			if !ok {
				return nil
			}
			if err := h(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func TestRunAllStopsOnFirstError(t *testing.T) {
	a, b := make(chanSource, 1), make(chanSource)
	a <- Event{Kind: KindStatus}
	err := RunAll(context.Background(), func(context.Context, Event) error {
		return errors.New("handler failed")
	}, a, b)
	assert.EqualError(t, err, "handler failed")
}
