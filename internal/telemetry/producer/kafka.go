// Package producer publishes presence events to Kafka.
package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/devtizi/city-cab/internal/telemetry/domain"
)

const writeTimeout = 5 * time.Second

// KafkaProducer writes presence events to one topic. A nil *KafkaProducer is a valid no-op.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer returns (nil, nil) when brokers or topic are empty. Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string) (*KafkaProducer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, nil
	}
	return &KafkaProducer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}, nil
}

// Emit writes the event keyed by user id so one user's presence changes stay ordered on a partition.
func (p *KafkaProducer) Emit(ctx context.Context, event *domain.PresenceEvent) error {
	if p == nil || p.writer == nil || event == nil {
		return nil
	}
	msg, err := message(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, msg)
}

func message(event *domain.PresenceEvent) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.UserID),
		Value: payload,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "city_id", Value: []byte(event.CityID)},
		},
	}, nil
}

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
