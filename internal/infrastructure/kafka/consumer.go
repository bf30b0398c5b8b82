package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/segmentio/kafka-go"
)

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// RevocationMarker is the part of the revocation cache the consumer writes to.
type RevocationMarker interface {
	MarkRevoked(ctx context.Context, jti uuid.UUID, expiresAt time.Time) error
}

// Consumer replays token_revoked audit events into the revocation cache, so a cache
// write lost at commit time is repaired and a cold cache warms up.
type Consumer struct {
	reader MessageReader
	cache  RevocationMarker
}

func NewConsumer(brokers []string, topic, groupID string, cache RevocationMarker) *Consumer {
	return NewConsumerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	}), cache)
}

func NewConsumerWithReader(reader MessageReader, cache RevocationMarker) *Consumer {
	return &Consumer{reader: reader, cache: cache}
}

// Consume blocks until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
				slog.Info("Kafka consumer stopped")
				return
			}
			slog.Error("failed to read Kafka message", "error", err)
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var event models.AuthEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		slog.Error("failed to unmarshal audit event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return
	}
	if event.EventType != models.EventTokenRevoked {
		return
	}
	if event.ExpiresAt == nil {
		slog.Warn("revocation event without expires_at", "jti", event.JTI)
		return
	}
	jti, err := uuid.Parse(event.JTI)
	if err != nil {
		slog.Error("invalid jti in revocation event", "jti", event.JTI, "error", err)
		return
	}
	if err := c.cache.MarkRevoked(ctx, jti, *event.ExpiresAt); err != nil {
		slog.Error("failed to cache revocation from event", "jti", jti, "error", err)
		return
	}
	slog.Debug("revocation cached from event", "jti", jti, "user_id", event.UserID)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
