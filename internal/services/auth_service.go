package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/TokenAuthService/internal/infrastructure/password"
	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/honeynil/TokenAuthService/internal/repository"
	pkgerrors "github.com/honeynil/TokenAuthService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Authenticator checks a user id and password pair.
type Authenticator interface {
	// Authenticate fails with ErrInvalidCredentials for an unknown user or a wrong
	// password, and with ErrUserDisabled for a disabled account.
	Authenticate(ctx context.Context, userID, password string) (*models.User, error)
}

type AuthService interface {
	Authenticator
	Login(ctx context.Context, userID, password, clientIP string) (*models.TokenPair, error)
	// CurrentUser returns (nil, nil) when the access token is rejected or its subject
	// no longer exists.
	CurrentUser(ctx context.Context, q repository.DBTX, rawAccess string) (*models.User, error)
	RegisterStudent(ctx context.Context, input RegisterStudentInput) (*models.User, error)
}

type RegisterStudentInput struct {
	UserID      string
	Password    string
	Name        string
	Gender      models.Gender
	Birthdate   *time.Time
	College     string
	StudentType string
	Grade       int32
	Major       string
}

type authService struct {
	users  repository.UserRepository
	hasher password.Hasher
	tokens TokenService
	events EventPublisher
	now    func() time.Time
}

func NewAuthService(users repository.UserRepository, hasher password.Hasher, tokens TokenService, events EventPublisher) *authService {
	return &authService{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		events: events,
		now:    time.Now,
	}
}

func (s *authService) Authenticate(ctx context.Context, userID, pass string) (*models.User, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "Authenticate")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if userID == "" || pass == "" {
		span.SetStatus(codes.Error, "empty credentials")
		return nil, pkgerrors.ErrInvalidCredentials
	}

	user, err := s.users.GetByID(ctx, userID)
	if stderrors.Is(err, pkgerrors.ErrUserNotFound) {
		span.SetStatus(codes.Error, "user not found")
		slog.Warn("login attempt for unknown user", "user_id", userID)
		return nil, pkgerrors.ErrInvalidCredentials
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "user lookup failed")
		slog.Error("failed to get user", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	ok, err := s.hasher.Verify(pass, user.PasswordHash)
	if err != nil {
		// An unreadable stored hash cannot match anything.
		slog.Error("failed to verify password hash", "user_id", userID, "error", err)
		span.SetStatus(codes.Error, "password verification failed")
		return nil, pkgerrors.ErrInvalidCredentials
	}
	if !ok {
		span.SetStatus(codes.Error, "invalid password")
		slog.Warn("invalid password", "user_id", userID)
		return nil, pkgerrors.ErrInvalidCredentials
	}
	if user.Status == models.UserDisabled {
		span.SetStatus(codes.Error, "user disabled")
		slog.Warn("login attempt for disabled user", "user_id", userID)
		return nil, pkgerrors.ErrUserDisabled
	}
	return user, nil
}

func (s *authService) Login(ctx context.Context, userID, pass, clientIP string) (*models.TokenPair, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	user, err := s.Authenticate(ctx, userID, pass)
	if err != nil {
		span.SetStatus(codes.Error, "authentication failed")
		if stderrors.Is(err, pkgerrors.ErrInvalidCredentials) || stderrors.Is(err, pkgerrors.ErrUserDisabled) {
			s.publish(ctx, models.AuthEvent{EventType: models.EventLoginFailed, UserID: userID, Reason: err.Error()})
		}
		return nil, err
	}

	pair, err := s.tokens.IssuePair(ctx, user.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issuance failed")
		return nil, err
	}

	if err := s.users.UpdateLoginInfo(ctx, user.UserID, clientIP, s.now().UTC()); err != nil {
		// Tokens are already issued; a stale last-login record is not worth failing for.
		span.RecordError(err)
		slog.Error("failed to update login info", "user_id", user.UserID, "error", err)
	}

	s.publish(ctx, models.AuthEvent{EventType: models.EventLoginSucceeded, UserID: user.UserID})
	slog.Info("user logged in", "user_id", user.UserID, "client_ip", clientIP)
	return pair, nil
}

func (s *authService) CurrentUser(ctx context.Context, q repository.DBTX, rawAccess string) (*models.User, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "CurrentUser")
	defer span.End()

	token, err := s.tokens.Verify(ctx, q, rawAccess, models.TokenTypeAccess, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token verification failed")
		return nil, err
	}
	if token == nil {
		return nil, nil
	}

	user, err := s.users.GetByID(ctx, token.Subject)
	if stderrors.Is(err, pkgerrors.ErrUserNotFound) {
		slog.Warn("token subject no longer exists", "user_id", token.Subject, "jti", token.JTI)
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "user lookup failed")
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return user, nil
}

func (s *authService) RegisterStudent(ctx context.Context, input RegisterStudentInput) (*models.User, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "RegisterStudent")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", input.UserID))

	if input.UserID == "" || input.Password == "" || input.Name == "" {
		span.SetStatus(codes.Error, "missing required fields")
		return nil, pkgerrors.ErrInvalidInput
	}

	existing, err := s.users.GetByID(ctx, input.UserID)
	if existing != nil {
		span.SetStatus(codes.Error, "user already exists")
		slog.Warn("user already exists", "user_id", input.UserID)
		return nil, pkgerrors.ErrUserAlreadyExists
	}
	if err != nil && !stderrors.Is(err, pkgerrors.ErrUserNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "user check failed")
		slog.Error("failed to check user existence", "user_id", input.UserID, "error", err)
		return nil, fmt.Errorf("failed to check user existence: %w", err)
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "password hashing failed")
		slog.Error("failed to hash password", "user_id", input.UserID, "error", err)
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	gender := input.Gender
	if gender == "" {
		gender = models.GenderUnknown
	}
	user := &models.User{
		UserID:       input.UserID,
		PasswordHash: hash,
		Name:         input.Name,
		Status:       models.UserEnabled,
		Gender:       gender,
		Birthdate:    input.Birthdate,
		College:      input.College,
		StudentType:  input.StudentType,
		Grade:        input.Grade,
		Major:        input.Major,
		CreatedBy:    models.SystemActor,
	}
	if err := s.users.Create(ctx, user, models.RoleIDStudent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "user creation failed")
		return nil, err
	}

	slog.Info("student registered", "user_id", user.UserID)
	return user, nil
}

func (s *authService) publish(ctx context.Context, event models.AuthEvent) {
	if s.events == nil {
		return
	}
	event.OccurredAt = s.now().UTC()
	if err := s.events.Publish(ctx, event); err != nil {
		slog.Error("failed to publish audit event", "event_type", event.EventType, "user_id", event.UserID, "error", err)
	}
}
