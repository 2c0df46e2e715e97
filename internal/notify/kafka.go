package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaRelay mirrors dispatched events to a Kafka topic so external
// consumers (mailers, push senders) can pick them up. It is just another
// subscriber: delivery failures are logged upstream and dropped.
type KafkaRelay struct {
	writer *kafka.Writer
}

func NewKafkaRelay(brokers []string, topic string) *KafkaRelay {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaRelay{writer: writer}
}

func (r *KafkaRelay) Handle(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Type),
		Value: data,
		Time:  ev.OccurredAt,
	}

	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event to kafka: %w", err)
	}
	return nil
}

func (r *KafkaRelay) Close() error {
	return r.writer.Close()
}
