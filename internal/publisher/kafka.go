package publisher

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink appends every view to a topic keyed by symbol, so one symbol's
// views stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, symbol string, payload []byte) error {
	return s.writer.WriteMessages(ctx, message(symbol, payload))
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

func message(symbol string, payload []byte) kafka.Message {
	return kafka.Message{
		Key:   []byte(symbol),
		Value: payload,
	}
}
