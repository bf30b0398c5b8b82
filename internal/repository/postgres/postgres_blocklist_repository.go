package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/honeynil/TokenAuthService/internal/repository"
	pkgerrors "github.com/honeynil/TokenAuthService/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const uniqueViolation = "23505"

type PostgresBlocklistRepository struct{}

func NewPostgresBlocklistRepository() *PostgresBlocklistRepository {
	return &PostgresBlocklistRepository{}
}

func (r *PostgresBlocklistRepository) Add(ctx context.Context, q repository.DBTX, entry *models.BlocklistEntry) (err error) {
	ctx, span, finish := startCall(ctx, "blocklist-repository", "AddToBlocklist")
	defer func() { finish(err) }()

	if entry == nil {
		err = pkgerrors.ErrNilEntry
		slog.Error("failed to add blocklist entry", "method", "Add", "error", err)
		return err
	}
	if !entry.TokenType.Valid() {
		err = pkgerrors.ErrInvalidTokenType
		slog.Error("invalid token type", "method", "Add", "token_type", entry.TokenType, "error", err)
		return err
	}
	if entry.UserID == "" {
		err = fmt.Errorf("%w: user_id is required", pkgerrors.ErrInvalidInput)
		slog.Error("invalid blocklist entry", "method", "Add", "jti", entry.JTI, "error", err)
		return err
	}

	span.SetAttributes(
		attribute.String("jti", entry.JTI.String()),
		attribute.String("user_id", entry.UserID),
		attribute.String("token_type", string(entry.TokenType)),
	)

	var reason any
	if entry.RevokedReason != models.ReasonUnset {
		reason = string(entry.RevokedReason)
	}

	query := `INSERT INTO token_blocklist (jti, user_id, token_type, expires_at, revoked_reason) VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	var createdAt time.Time
	err = q.QueryRowContext(ctx, query, entry.JTI.String(), entry.UserID, string(entry.TokenType), entry.ExpiresAt.UTC(), reason).Scan(&createdAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			slog.Warn("token already revoked", "method", "Add", "jti", entry.JTI, "user_id", entry.UserID)
			err = fmt.Errorf("%w: jti %s", pkgerrors.ErrDuplicateRevocation, entry.JTI)
			return err
		}
		slog.Error("failed to add blocklist entry", "method", "Add", "jti", entry.JTI, "user_id", entry.UserID, "error", err)
		err = fmt.Errorf("failed to add blocklist entry: %w: %w", pkgerrors.ErrStoreUnavailable, err)
		return err
	}

	entry.CreatedAt = createdAt
	slog.Info("token revoked", "method", "Add", "jti", entry.JTI, "user_id", entry.UserID, "token_type", entry.TokenType, "reason", entry.RevokedReason)
	return nil
}

func (r *PostgresBlocklistRepository) IsRevoked(ctx context.Context, q repository.DBTX, jti uuid.UUID) (revoked bool, err error) {
	ctx, span, finish := startCall(ctx, "blocklist-repository", "IsTokenRevoked")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("jti", jti.String()))

	query := `SELECT EXISTS (SELECT 1 FROM token_blocklist WHERE jti = $1)`
	err = q.QueryRowContext(ctx, query, jti.String()).Scan(&revoked)
	if err != nil {
		slog.Error("failed to check blocklist", "method", "IsRevoked", "jti", jti, "error", err)
		err = fmt.Errorf("failed to check blocklist: %w: %w", pkgerrors.ErrStoreUnavailable, err)
		return false, err
	}
	return revoked, nil
}

func (r *PostgresBlocklistRepository) PruneExpired(ctx context.Context, q repository.DBTX, now time.Time) (pruned int64, err error) {
	ctx, span, finish := startCall(ctx, "blocklist-repository", "RemoveExpiredTokens")
	defer func() { finish(err) }()

	query := `DELETE FROM token_blocklist WHERE expires_at < $1`
	res, err := q.ExecContext(ctx, query, now.UTC())
	if err != nil {
		slog.Error("failed to prune blocklist", "method", "PruneExpired", "error", err)
		err = fmt.Errorf("failed to prune blocklist: %w: %w", pkgerrors.ErrStoreUnavailable, err)
		return 0, err
	}
	pruned, err = res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("failed to read pruned rows: %w: %w", pkgerrors.ErrStoreUnavailable, err)
		return 0, err
	}

	span.SetAttributes(attribute.Int64("pruned", pruned))
	slog.Info("expired blocklist entries pruned", "method", "PruneExpired", "pruned", pruned)
	return pruned, nil
}
