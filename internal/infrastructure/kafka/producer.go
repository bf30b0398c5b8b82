package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/segmentio/kafka-go"
)

type KafkaProducer interface {
	Send(ctx context.Context, topic string, key string, value []byte) error
	Close() error
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		Async:                  true,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to deliver Kafka messages", "count", len(messages), "error", err)
			}
		},
	}
	return &Producer{writer: writer}
}

func (p *Producer) Send(ctx context.Context, topic string, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("failed to send Kafka message", "topic", topic, "key", key, "error", err)
		return err
	}
	slog.Debug("Kafka message sent", "topic", topic, "key", key)
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		slog.Error("failed to close Kafka writer", "error", err)
		return err
	}
	slog.Info("Kafka writer closed")
	return nil
}

// AuditPublisher writes AuthEvents as JSON, keyed by user id so one user's events stay
// ordered within a partition.
type AuditPublisher struct {
	producer KafkaProducer
	topic    string
}

func NewAuditPublisher(producer KafkaProducer, topic string) *AuditPublisher {
	return &AuditPublisher{producer: producer, topic: topic}
}

func (a *AuditPublisher) Publish(ctx context.Context, event models.AuthEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	return a.producer.Send(ctx, a.topic, event.UserID, value)
}
