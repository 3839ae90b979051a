package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
)

// Envelope is the wire format published to the notification topic. The
// delivery service (push/socket) consumes it downstream.
type Envelope struct {
	ID          string          `json:"id"`
	RecipientID string          `json:"recipient_id"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EmittedAt   time.Time       `json:"emitted_at"`
}

// KafkaNotifier publishes notification envelopes to a Kafka topic,
// keyed by recipient so one user's notifications stay ordered.
type KafkaNotifier struct {
	w   *kafka.Writer
	clk clock.Clock
}

// NewKafkaNotifier returns a KafkaNotifier for the configured topic.
func NewKafkaNotifier(cfg config.KafkaConfig, clk clock.Clock) *KafkaNotifier {
	return &KafkaNotifier{
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
		clk: clk,
	}
}

// Close releases the underlying writer.
func (n *KafkaNotifier) Close() error { return n.w.Close() }

// Notify publishes a single envelope. Callers treat errors as
// best-effort and must not roll state back on failure.
func (n *KafkaNotifier) Notify(ctx context.Context, recipientID string, eventType EventType, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshalling notification payload: %w", err)
		}
		raw = data
	}

	env := Envelope{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Type:        eventType,
		Payload:     raw,
		EmittedAt:   n.clk.Now().UTC(),
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling notification envelope: %w", err)
	}

	return n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(recipientID),
		Value: value,
	})
}
