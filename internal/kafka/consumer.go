package kafka

import (
	"context"
	"fmt"
	"strings"

	"im-client/internal/config"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// MessageHandler is a function type for processing consumed Kafka messages.
// Offsets are committed only when it returns nil.
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// MessageConsumer defines the interface for a Kafka message consumer.
type MessageConsumer interface {
	Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error
	Close()
}

// confluentKafkaConsumer is an implementation of MessageConsumer using confluent-kafka-go.
type confluentKafkaConsumer struct {
	consumer *kafka.Consumer
	cfg      config.KafkaConfig
	groupID  string
	log      *zap.Logger
}

// NewConfluentKafkaConsumer prepares a consumer; the underlying client is
// created in Consume once the group id is known.
func NewConfluentKafkaConsumer(cfg config.KafkaConfig, log *zap.Logger) (MessageConsumer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	return &confluentKafkaConsumer{cfg: cfg, log: log}, nil
}

// Consume starts consuming messages from the specified topics and group.
// This method will block until the context is canceled or a fatal error occurs.
func (c *confluentKafkaConsumer) Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka consumer: no topics specified")
	}
	c.groupID = groupID
	log := c.log.With(zap.String("group_id", groupID))

	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.cfg.Brokers, ","),
		"group.id":           c.groupID,
		"auto.offset.reset":  "latest", // status events older than the session are covered by history fetches
		"enable.auto.commit": "false",
	}
	if c.cfg.Protocol != "" {
		_ = configMap.SetKey("security.protocol", c.cfg.Protocol)
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer for group %s: %w", groupID, err)
	}
	c.consumer = consumer

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		_ = c.consumer.Close()
		c.consumer = nil
		return fmt.Errorf("failed to subscribe to topics %v for group %s: %w", topics, groupID, err)
	}

	log.Info("kafka consumer started", zap.Strings("topics", topics))

	for {
		select {
		case <-ctx.Done():
			log.Info("kafka consumer stopping", zap.Error(ctx.Err()))
			return nil
		default:
		}

		ev := c.consumer.Poll(1000)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(ctx, e); err != nil {
				log.Warn("kafka message not processed",
					zap.String("topic", *e.TopicPartition.Topic),
					zap.String("offset", e.TopicPartition.Offset.String()),
					zap.Error(err))
				continue
			}
			if _, err := c.consumer.CommitMessage(e); err != nil {
				log.Warn("kafka offset commit failed",
					zap.String("topic", *e.TopicPartition.Topic),
					zap.String("offset", e.TopicPartition.Offset.String()),
					zap.Error(err))
			}
		case kafka.Error:
			log.Error("kafka consumer error",
				zap.Error(e),
				zap.Int("code", int(e.Code())),
				zap.Bool("fatal", e.IsFatal()))
			if e.IsFatal() {
				return e
			}
		case kafka.AssignedPartitions:
			log.Info("partitions assigned", zap.Int("count", len(e.Partitions)))
			_ = c.consumer.Assign(e.Partitions)
		case kafka.RevokedPartitions:
			log.Info("partitions revoked", zap.Int("count", len(e.Partitions)))
			_ = c.consumer.Unassign()
		}
	}
}

// Close closes the Kafka consumer.
func (c *confluentKafkaConsumer) Close() {
	if c.consumer == nil {
		return
	}
	if err := c.consumer.Close(); err != nil {
		c.log.Warn("kafka consumer close failed", zap.String("group_id", c.groupID), zap.Error(err))
	}
	c.consumer = nil
}
