// Package kafka publishes billing analytics events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// DefaultTopic receives analytics events when Config.Topic is empty.
const DefaultTopic = "billing.analytics"

const defaultWriteTimeout = 10 * time.Second

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka sink.
type Config struct {
	Brokers []string
	Topic   string

	// WriteTimeout bounds a single publish. Defaults to 10s.
	WriteTimeout time.Duration
}

// Sink implements billing.AnalyticsSink. Messages are keyed by user id so a
// user's events stay ordered within a partition.
type Sink struct {
	writer  MessageWriter
	timeout time.Duration
}

var _ billing.AnalyticsSink = (*Sink)(nil)

// message is the wire form of an analytics event.
type message struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	UserID     string                 `json:"userId"`
	Metadata   map[string]interface{} `json:"metadata"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// New creates a sink with a kafka.Writer for cfg.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return NewWithWriter(writer, cfg.WriteTimeout), nil
}

// NewWithWriter creates a sink around an existing writer.
func NewWithWriter(w MessageWriter, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Sink{writer: w, timeout: timeout}
}

// Emit implements billing.AnalyticsSink
func (s *Sink) Emit(ctx context.Context, event *billing.AnalyticsEvent) error {
	if event == nil {
		return nil
	}
	value, err := json.Marshal(message{
		ID:         event.ID,
		Name:       string(event.Name),
		UserID:     event.UserID,
		Metadata:   event.Metadata,
		OccurredAt: event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal analytics event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(event.Name)},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}
