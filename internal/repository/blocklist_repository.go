package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TokenAuthService/internal/models"
)

type BlocklistRepository interface {
	// Add fails with ErrDuplicateRevocation when jti is already present.
	Add(ctx context.Context, q DBTX, entry *models.BlocklistEntry) error
	IsRevoked(ctx context.Context, q DBTX, jti uuid.UUID) (bool, error)
	// PruneExpired deletes entries with expires_at < now and returns how many went.
	PruneExpired(ctx context.Context, q DBTX, now time.Time) (int64, error)
}
