package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TokenAuthService/internal/infrastructure/auth"
	"github.com/honeynil/TokenAuthService/internal/infrastructure/observability"
	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/honeynil/TokenAuthService/internal/repository"
	pkgerrors "github.com/honeynil/TokenAuthService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TokenCodec is the signing capability the service depends on.
type TokenCodec interface {
	Issue(subject string, tokenType models.TokenType, expiry auth.Expiry) (string, *models.Token, error)
	Decode(raw string) (*models.Token, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event models.AuthEvent) error
}

type TokenService interface {
	IssuePair(ctx context.Context, subject string) (*models.TokenPair, error)
	// Verify returns (nil, nil) when the token is rejected for any reason. A non-nil
	// error means the revocation state could not be determined.
	Verify(ctx context.Context, q repository.DBTX, raw string, expected models.TokenType, checkRevocation bool) (*models.Token, error)
	// RotateRefresh returns (nil, nil) when the presented refresh token is rejected.
	// A concurrent rotation of the same token fails with ErrDuplicateRevocation.
	RotateRefresh(ctx context.Context, q repository.DBTX, raw string) (*models.TokenPair, error)
	Revoke(ctx context.Context, q repository.DBTX, jti uuid.UUID, userID string, tokenType models.TokenType, expiresAt time.Time, reason models.RevocationReason) error
}

type TokenServiceConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type tokenService struct {
	codec     TokenCodec
	blocklist repository.BlocklistRepository
	events    EventPublisher
	cfg       TokenServiceConfig
	now       func() time.Time
}

type TokenServiceOption func(*tokenService)

// WithNow overrides the service clock. It should agree with the codec's clock.
func WithNow(now func() time.Time) TokenServiceOption {
	return func(s *tokenService) {
		s.now = now
	}
}

func NewTokenService(codec TokenCodec, blocklist repository.BlocklistRepository, events EventPublisher, cfg TokenServiceConfig, opts ...TokenServiceOption) *tokenService {
	s := &tokenService{
		codec:     codec,
		blocklist: blocklist,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *tokenService) IssuePair(ctx context.Context, subject string) (*models.TokenPair, error) {
	tracer := otel.Tracer("token-service")
	_, span := tracer.Start(ctx, "IssuePair")
	defer span.End()

	pair, err := s.issuePair(subject, auth.TTL(s.cfg.RefreshTTL))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issuance failed")
		slog.Error("failed to issue token pair", "subject", subject, "error", err)
		return nil, err
	}
	return pair, nil
}

func (s *tokenService) issuePair(subject string, refreshExpiry auth.Expiry) (*models.TokenPair, error) {
	access, _, err := s.codec.Issue(subject, models.TokenTypeAccess, auth.TTL(s.cfg.AccessTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refresh, _, err := s.codec.Issue(subject, models.TokenTypeRefresh, refreshExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}
	observability.TokensIssued.WithLabelValues(string(models.TokenTypeAccess)).Inc()
	observability.TokensIssued.WithLabelValues(string(models.TokenTypeRefresh)).Inc()
	return models.NewTokenPair(access, refresh), nil
}

func (s *tokenService) Verify(ctx context.Context, q repository.DBTX, raw string, expected models.TokenType, checkRevocation bool) (*models.Token, error) {
	tracer := otel.Tracer("token-service")
	ctx, span := tracer.Start(ctx, "VerifyToken")
	defer span.End()
	span.SetAttributes(
		attribute.String("expected_type", string(expected)),
		attribute.Bool("check_revocation", checkRevocation),
	)

	token, err := s.check(ctx, q, raw, expected, checkRevocation)
	if err == nil {
		observability.TokenVerifications.WithLabelValues(string(expected), "valid").Inc()
		return token, nil
	}
	if !pkgerrors.IsVerificationFailure(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "revocation state unavailable")
		observability.TokenVerifications.WithLabelValues(string(expected), "error").Inc()
		slog.Error("token verification failed on store", "expected_type", expected, "error", err)
		return nil, err
	}

	reason := rejectionReason(err)
	span.SetAttributes(attribute.String("rejected", reason))
	observability.TokenVerifications.WithLabelValues(string(expected), reason).Inc()

	if stderrors.Is(err, pkgerrors.ErrTokenRevoked) {
		slog.Warn("revoked token presented", "jti", token.JTI, "user_id", token.Subject, "token_type", token.Type)
		s.publish(ctx, models.AuthEvent{
			EventType: models.EventTokenRejected,
			JTI:       token.JTI.String(),
			UserID:    token.Subject,
			TokenType: token.Type,
			Reason:    reason,
		})
	} else {
		slog.Info("token rejected", "expected_type", expected, "reason", reason, "error", err)
	}
	return nil, nil
}

// check runs the verification gate cheapest-first: decode (signature and expiry),
// type, then the blocklist. On ErrTokenRevoked the decoded token is returned as well.
func (s *tokenService) check(ctx context.Context, q repository.DBTX, raw string, expected models.TokenType, checkRevocation bool) (*models.Token, error) {
	token, err := s.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	if token.Type != expected {
		return nil, fmt.Errorf("%w: expected %s, got %s", pkgerrors.ErrTokenTypeMismatch, expected, token.Type)
	}
	if !checkRevocation {
		return token, nil
	}

	revoked, err := s.blocklist.IsRevoked(ctx, q, token.JTI)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation of %s: %w", token.JTI, err)
	}
	if revoked {
		return token, pkgerrors.ErrTokenRevoked
	}
	return token, nil
}

func rejectionReason(err error) string {
	switch {
	case stderrors.Is(err, pkgerrors.ErrTokenExpired):
		return "expired"
	case stderrors.Is(err, pkgerrors.ErrInvalidSignature):
		return "invalid_signature"
	case stderrors.Is(err, pkgerrors.ErrTokenTypeMismatch):
		return "type_mismatch"
	case stderrors.Is(err, pkgerrors.ErrTokenRevoked):
		return "revoked"
	default:
		return "malformed"
	}
}

func (s *tokenService) RotateRefresh(ctx context.Context, q repository.DBTX, raw string) (*models.TokenPair, error) {
	tracer := otel.Tracer("token-service")
	ctx, span := tracer.Start(ctx, "RotateRefresh")
	defer span.End()

	old, err := s.Verify(ctx, q, raw, models.TokenTypeRefresh, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh verification failed")
		return nil, err
	}
	if old == nil {
		span.SetStatus(codes.Error, "refresh token rejected")
		return nil, nil
	}
	span.SetAttributes(attribute.String("jti", old.JTI.String()), attribute.String("user_id", old.Subject))

	// The new refresh token inherits the old deadline; nothing can be pinned to a
	// deadline that has already arrived.
	if !old.ExpiresAt.After(s.now().UTC().Truncate(time.Second)) {
		slog.Info("refresh token at its deadline", "jti", old.JTI, "user_id", old.Subject)
		observability.TokenVerifications.WithLabelValues(string(models.TokenTypeRefresh), "expired").Inc()
		return nil, nil
	}

	if err := s.Revoke(ctx, q, old.JTI, old.Subject, models.TokenTypeRefresh, old.ExpiresAt, models.ReasonUnset); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to revoke old refresh token")
		if stderrors.Is(err, pkgerrors.ErrDuplicateRevocation) {
			slog.Warn("concurrent refresh rotation rejected", "jti", old.JTI, "user_id", old.Subject)
		}
		return nil, err
	}

	pair, err := s.issuePair(old.Subject, auth.At(old.ExpiresAt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issuance failed")
		slog.Error("failed to issue rotated token pair", "user_id", old.Subject, "error", err)
		return nil, err
	}

	slog.Info("refresh token rotated", "old_jti", old.JTI, "user_id", old.Subject, "expires_at", old.ExpiresAt)
	return pair, nil
}

func (s *tokenService) Revoke(ctx context.Context, q repository.DBTX, jti uuid.UUID, userID string, tokenType models.TokenType, expiresAt time.Time, reason models.RevocationReason) error {
	tracer := otel.Tracer("token-service")
	ctx, span := tracer.Start(ctx, "RevokeToken")
	defer span.End()
	span.SetAttributes(attribute.String("jti", jti.String()), attribute.String("token_type", string(tokenType)))

	entry := &models.BlocklistEntry{
		JTI:           jti,
		UserID:        userID,
		TokenType:     tokenType,
		ExpiresAt:     expiresAt,
		RevokedReason: reason,
	}
	if err := s.blocklist.Add(ctx, q, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add blocklist entry")
		return err
	}

	observability.TokensRevoked.WithLabelValues(string(tokenType), reasonLabel(reason)).Inc()
	event := models.AuthEvent{
		EventType: models.EventTokenRevoked,
		JTI:       jti.String(),
		UserID:    userID,
		TokenType: tokenType,
		Reason:    string(reason),
		ExpiresAt: &expiresAt,
	}
	pubCtx := context.WithoutCancel(ctx)
	repository.AfterCommit(ctx, func() {
		s.publish(pubCtx, event)
	})
	return nil
}

func reasonLabel(reason models.RevocationReason) string {
	if reason == models.ReasonUnset {
		return "unset"
	}
	return string(reason)
}

func (s *tokenService) publish(ctx context.Context, event models.AuthEvent) {
	if s.events == nil {
		return
	}
	event.OccurredAt = s.now().UTC()
	if err := s.events.Publish(ctx, event); err != nil {
		slog.Error("failed to publish audit event", "event_type", event.EventType, "jti", event.JTI, "error", err)
	}
}
