package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-client/internal/models"
	"im-client/internal/presence"
)

type recordingProducer struct {
	topic string
	key   []byte
	value []byte
	err   error
}

func (p *recordingProducer) SendMessage(_ context.Context, topic string, key, payload []byte) error {
	p.topic, p.key, p.value = topic, key, payload
	return p.err
}

func (p *recordingProducer) Close() {}

type scriptedConsumer struct {
	records [][]byte
}

func (c *scriptedConsumer) Consume(ctx context.Context, topics []string, _ string, handler MessageHandler) error {
	for _, r := range c.records {
		msg := &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topics[0]}, Value: r}
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *scriptedConsumer) Close() {}

var readEvent = presence.Event{
	Kind:           presence.KindStatus,
	ConversationID: "c1",
	MessageID:      "m1",
	UserID:         "bob",
	Status:         models.StatusRead,
}

func TestPublishKeysByConversation(t *testing.T) {
	p := &recordingProducer{}
	pub := NewStatusPublisher(p, "im-message-status")

	require.NoError(t, pub.Publish(context.Background(), []string{"alice"}, readEvent))
	assert.Equal(t, "im-message-status", p.topic)
	assert.Equal(t, []byte("c1"), p.key)

	env, err := DecodeEnvelope(p.value)
	require.NoError(t, err)
	assert.True(t, env.AddressedTo("alice"))
	assert.Equal(t, readEvent.MessageID, env.Event.MessageID)

	err = pub.Publish(context.Background(), []string{"alice"}, presence.Event{Kind: presence.KindStatus})
	assert.Error(t, err)
}

func TestPresenceSourceFiltersAndSkipsPoison(t *testing.T) {
	mine, _ := json.Marshal(Envelope{To: []string{"alice"}, Event: readEvent})
	theirs, _ := json.Marshal(Envelope{To: []string{"carol"}, Event: readEvent})
	c := &scriptedConsumer{records: [][]byte{[]byte("garbage"), theirs, mine}}

	var got []presence.Event
	src := NewPresenceSource(c, "im-message-status", "g", "alice", nil)
	err := src.Run(context.Background(), func(_ context.Context, ev presence.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusRead, got[0].Status)
}

func TestPresenceSourcePropagatesHandlerError(t *testing.T) {
	mine, _ := json.Marshal(Envelope{To: []string{"alice"}, Event: readEvent})
	src := NewPresenceSource(&scriptedConsumer{records: [][]byte{mine}}, "t", "g", "alice", nil)
	err := src.Run(context.Background(), func(context.Context, presence.Event) error { return errors.New("busy") })
	assert.EqualError(t, err, "busy")
}
