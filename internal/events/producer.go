// Package events moves lifecycle events between processes over kafka.
package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rideboard/internal/models"
)

// Producer writes outbox events to the broker. Messages are keyed by ride
// id so every event for one ride lands on the same partition in order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &Producer{writer: w}
}

func (p *Producer) Publish(ctx context.Context, ev models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RideID),
		Value: []byte(ev.Payload),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event", Value: []byte(ev.Name)},
		},
	})
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
