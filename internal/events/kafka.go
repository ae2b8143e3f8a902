package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher forwards settlement events to a topic, keyed by user so a
// user's events stay ordered within a partition. Writes are asynchronous:
// Publish only enqueues, delivery failures are logged by the completion
// callback.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
			MaxAttempts:  3,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err == nil {
					return
				}
				for _, m := range messages {
					log.Error("kafka delivery failed",
						zap.String("topic", topic),
						zap.ByteString("key", m.Key),
						zap.Error(err),
					)
				}
			},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.Type == TypeQuote {
		// quotes are for connected clients only
		return nil
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
