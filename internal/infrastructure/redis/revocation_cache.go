package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RevocationCache remembers revoked jtis until their token would have expired anyway.
// It only ever answers "revoked"; a miss says nothing.
type RevocationCache struct {
	client RedisClient
	now    func() time.Time
}

func NewRevocationCache(client RedisClient) *RevocationCache {
	return &RevocationCache{client: client, now: time.Now}
}

func revocationKey(jti uuid.UUID) string {
	return fmt.Sprintf("blocklist:%s", jti)
}

// MarkRevoked is a no-op for entries that are already past expiresAt.
func (c *RevocationCache) MarkRevoked(ctx context.Context, jti uuid.UUID, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	if err := c.client.SetMarker(ctx, revocationKey(jti), ttl); err != nil {
		slog.Warn("failed to cache revocation", "jti", jti, "error", err)
		return err
	}
	return nil
}

// IsRevoked returns (false, nil) on a miss. Callers must fall back to the store.
func (c *RevocationCache) IsRevoked(ctx context.Context, jti uuid.UUID) (bool, error) {
	return c.client.Exists(ctx, revocationKey(jti))
}
