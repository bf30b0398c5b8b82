// Package cached wraps the blocklist store with a Redis revocation cache.
package cached

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/honeynil/TokenAuthService/internal/repository"
)

type RevocationCache interface {
	MarkRevoked(ctx context.Context, jti uuid.UUID, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti uuid.UUID) (bool, error)
}

// Blocklist answers IsRevoked from the cache when it can. A cache miss or a cache
// failure always falls through to the store; the cache is only written once the
// revocation has committed.
type Blocklist struct {
	store repository.BlocklistRepository
	cache RevocationCache
}

func NewBlocklist(store repository.BlocklistRepository, cache RevocationCache) *Blocklist {
	return &Blocklist{store: store, cache: cache}
}

func (b *Blocklist) Add(ctx context.Context, q repository.DBTX, entry *models.BlocklistEntry) error {
	if err := b.store.Add(ctx, q, entry); err != nil {
		return err
	}
	jti, expiresAt := entry.JTI, entry.ExpiresAt
	cacheCtx := context.WithoutCancel(ctx)
	repository.AfterCommit(ctx, func() {
		if err := b.cache.MarkRevoked(cacheCtx, jti, expiresAt); err != nil {
			slog.Warn("revocation not cached", "jti", jti, "error", err)
		}
	})
	return nil
}

func (b *Blocklist) IsRevoked(ctx context.Context, q repository.DBTX, jti uuid.UUID) (bool, error) {
	revoked, err := b.cache.IsRevoked(ctx, jti)
	if err != nil {
		slog.Warn("revocation cache unavailable, falling back to store", "jti", jti, "error", err)
	} else if revoked {
		return true, nil
	}
	return b.store.IsRevoked(ctx, q, jti)
}

func (b *Blocklist) PruneExpired(ctx context.Context, q repository.DBTX, now time.Time) (int64, error) {
	return b.store.PruneExpired(ctx, q, now)
}
