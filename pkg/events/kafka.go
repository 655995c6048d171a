package events

import (
	"context"
	"encoding/json"

	kafka "github.com/segmentio/kafka-go"

	"github.com/cuemby/lifeguard/pkg/log"
)

// MessageWriter is the part of kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards every broker event to a Kafka topic as JSON. Events
// of one pool share a key so they stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// NewSinkWithWriter creates a sink over an existing writer
func NewSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Run forwards events from broker until ctx is done, then closes the writer
func (s *KafkaSink) Run(ctx context.Context, broker *Broker) error {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	defer s.writer.Close()

	logger := log.WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			value, err := json.Marshal(event)
			if err != nil {
				logger.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to encode event")
				continue
			}
			msg := kafka.Message{Key: []byte(event.Metadata["pool"]), Value: value}
			if err := s.writer.WriteMessages(ctx, msg); err != nil {
				logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to publish event")
			}
		}
	}
}
