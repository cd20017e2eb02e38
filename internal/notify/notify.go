// Package notify publishes payment lifecycle events. Delivery is
// fire-and-forget: a publish failure is logged and never rolls back a
// payment state change.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event names emitted by the engine
const (
	EventPaymentSucceeded = "payment-succeeded"
	EventPaymentFailed    = "payment-failed"
	EventEscrowReleased   = "escrow-released"
	EventDisputeOpened    = "dispute-opened"
)

// Sink is the notification contract
type Sink interface {
	Notify(ctx context.Context, event string, payload interface{})
}

// KafkaSink publishes events to a kafka topic
type KafkaSink struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewKafkaSink creates a kafka-backed sink.
func NewKafkaSink(logger *zap.Logger, brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

// Notify publishes the event. Failures are logged only.
func (s *KafkaSink) Notify(ctx context.Context, event string, payload interface{}) {
	body, err := json.Marshal(map[string]interface{}{
		"event":   event,
		"payload": payload,
		"at":      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("Failed to encode notification", zap.String("event", event), zap.Error(err))
		return
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event),
		Value: body,
	}); err != nil {
		s.logger.Error("Failed to publish notification", zap.String("event", event), zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// NopSink discards events. Used in tests.
type NopSink struct{}

// Notify discards the event.
func (NopSink) Notify(context.Context, string, interface{}) {}
