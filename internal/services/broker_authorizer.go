package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"

	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/honeynil/TokenAuthService/internal/repository"
	pkgerrors "github.com/honeynil/TokenAuthService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BrokerPermissionRequest carries the form fields the broker's HTTP auth backend sends
// for vhost, resource and topic checks. Unused fields stay empty.
type BrokerPermissionRequest struct {
	Username   string
	Vhost      string
	Resource   string
	Name       string
	Permission string
	RoutingKey string
	IP         string
}

// BrokerAuthorizer answers the message broker's authentication callbacks.
type BrokerAuthorizer struct {
	auth  Authenticator
	users repository.UserRepository
}

func NewBrokerAuthorizer(auth Authenticator, users repository.UserRepository) *BrokerAuthorizer {
	return &BrokerAuthorizer{auth: auth, users: users}
}

// AuthorizeUser denies bad credentials. Authenticated users get management rights when
// their role name contains ADMIN. A non-nil error means the answer could not be computed.
func (b *BrokerAuthorizer) AuthorizeUser(ctx context.Context, username, pass string) (models.BrokerDecision, error) {
	tracer := otel.Tracer("broker-authorizer")
	ctx, span := tracer.Start(ctx, "AuthorizeUser")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", username))

	user, err := b.auth.Authenticate(ctx, username, pass)
	if stderrors.Is(err, pkgerrors.ErrInvalidCredentials) || stderrors.Is(err, pkgerrors.ErrUserDisabled) {
		slog.Info("broker user denied", "user_id", username, "reason", err)
		return models.BrokerDeny, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authentication failed")
		return models.BrokerDeny, err
	}

	role, err := b.users.GetRoleByUserID(ctx, user.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "role lookup failed")
		slog.Error("failed to get role for broker user", "user_id", user.UserID, "error", err)
		return models.BrokerDeny, err
	}

	decision := models.BrokerAllow
	if role != nil && strings.Contains(role.RoleName, models.AdminRoleMarker) {
		decision = models.BrokerAllowManagement
	}
	span.SetAttributes(attribute.String("decision", decision.String()))
	slog.Info("broker user authorized", "user_id", user.UserID, "decision", decision.String())
	return decision, nil
}

func (b *BrokerAuthorizer) AuthorizeVhost(ctx context.Context, req BrokerPermissionRequest) models.BrokerDecision {
	slog.Debug("broker vhost check", "user_id", req.Username, "vhost", req.Vhost, "ip", req.IP)
	return models.BrokerAllow
}

func (b *BrokerAuthorizer) AuthorizeResource(ctx context.Context, req BrokerPermissionRequest) models.BrokerDecision {
	slog.Debug("broker resource check",
		"user_id", req.Username,
		"vhost", req.Vhost,
		"resource", req.Resource,
		"name", req.Name,
		"permission", req.Permission)
	return models.BrokerAllow
}

func (b *BrokerAuthorizer) AuthorizeTopic(ctx context.Context, req BrokerPermissionRequest) models.BrokerDecision {
	slog.Debug("broker topic check",
		"user_id", req.Username,
		"vhost", req.Vhost,
		"name", req.Name,
		"permission", req.Permission,
		"routing_key", req.RoutingKey)
	return models.BrokerAllow
}
