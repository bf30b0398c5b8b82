package repository

import (
	"context"
	"time"

	"github.com/honeynil/TokenAuthService/internal/models"
)

type UserRepository interface {
	Create(ctx context.Context, user *models.User, roleID int32) error
	GetByID(ctx context.Context, userID string) (*models.User, error)
	GetRoleByUserID(ctx context.Context, userID string) (*models.Role, error)
	UpdateLoginInfo(ctx context.Context, userID, ip string, at time.Time) error
}
