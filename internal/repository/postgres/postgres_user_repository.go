package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/TokenAuthService/internal/models"
	pkgerrors "github.com/honeynil/TokenAuthService/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const maxUserIDLength = 20

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

// Create inserts the user and its role link in one transaction.
func (r *PostgresUserRepository) Create(ctx context.Context, user *models.User, roleID int32) (err error) {
	ctx, span, finish := startCall(ctx, "user-repository", "CreateUser")
	defer func() { finish(err) }()

	if user == nil {
		err = pkgerrors.ErrNilUser
		return err
	}
	if user.UserID == "" {
		err = fmt.Errorf("user_id is required")
		return err
	}
	if len(user.UserID) > maxUserIDLength {
		err = fmt.Errorf("user_id too long")
		return err
	}
	if user.PasswordHash == "" {
		err = fmt.Errorf("password_hash is required")
		return err
	}
	if user.Status == "" {
		user.Status = models.UserEnabled
	}
	if user.Gender == "" {
		user.Gender = models.GenderUnknown
	}
	if user.CreatedBy == "" {
		user.CreatedBy = models.SystemActor
	}
	user.UpdatedBy = user.CreatedBy
	span.SetAttributes(attribute.String("user_id", user.UserID), attribute.Int("role_id", int(roleID)))

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Create", "error", err)
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return err
	}

	query := `INSERT INTO users (user_id, hashed_password, name, status, gender, birthdate, college, stu_type, grade, major, created_by, updated_by) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING created_at, updated_at`
	err = dbTx.QueryRowContext(ctx, query,
		user.UserID,
		user.PasswordHash,
		user.Name,
		string(user.Status),
		string(user.Gender),
		nullTime(user.Birthdate),
		nullString(user.College),
		nullString(user.StudentType),
		nullInt32(user.Grade),
		nullString(user.Major),
		user.CreatedBy,
		user.UpdatedBy,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err == nil {
		linkQuery := `INSERT INTO user_role (user_id, role_id, created_by, updated_by) VALUES ($1, $2, $3, $4)`
		_, err = dbTx.ExecContext(ctx, linkQuery, user.UserID, roleID, user.CreatedBy, user.UpdatedBy)
	}
	if err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "Create", "error", rbErr)
			err = fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
			return err
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			slog.Warn("user already exists", "method", "Create", "user_id", user.UserID)
			err = pkgerrors.ErrUserAlreadyExists
			return err
		}
		slog.Error("failed to create user", "method", "Create", "user_id", user.UserID, "error", err)
		err = fmt.Errorf("failed to create user: %w", err)
		return err
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Create", "error", err)
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return err
	}

	slog.Info("user created", "method", "Create", "user_id", user.UserID, "role_id", roleID)
	return nil
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, userID string) (user *models.User, err error) {
	ctx, span, finish := startCall(ctx, "user-repository", "GetUserByID")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("user_id", userID))

	if userID == "" {
		err = fmt.Errorf("user_id cannot be empty")
		return nil, err
	}

	query := `SELECT user_id, hashed_password, name, status, gender, birthdate, college, stu_type, grade, major, last_login_at, last_login_ip FROM users WHERE user_id = $1`

	var (
		u                                  models.User
		status, gender                     string
		birthdate, lastLoginAt             sql.NullTime
		college, stuType, major, lastLogIP sql.NullString
		grade                              sql.NullInt32
	)
	err = r.db.QueryRowContext(ctx, query, userID).Scan(
		&u.UserID,
		&u.PasswordHash,
		&u.Name,
		&status,
		&gender,
		&birthdate,
		&college,
		&stuType,
		&grade,
		&major,
		&lastLoginAt,
		&lastLogIP,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = pkgerrors.ErrUserNotFound
		return nil, err
	case err != nil:
		slog.Error("failed to get user by id", "method", "GetByID", "user_id", userID, "error", err)
		err = fmt.Errorf("failed to get user by id: %w: %w", pkgerrors.ErrStoreUnavailable, err)
		return nil, err
	}

	u.Status = models.UserStatus(status)
	u.Gender = models.Gender(gender)
	if birthdate.Valid {
		u.Birthdate = &birthdate.Time
	}
	if lastLoginAt.Valid {
		u.LastLoginAt = &lastLoginAt.Time
	}
	u.College = college.String
	u.StudentType = stuType.String
	u.Major = major.String
	u.LastLoginIP = lastLogIP.String
	u.Grade = grade.Int32
	return &u, nil
}

// GetRoleByUserID returns (nil, nil) for a user without any role.
func (r *PostgresUserRepository) GetRoleByUserID(ctx context.Context, userID string) (role *models.Role, err error) {
	ctx, span, finish := startCall(ctx, "user-repository", "GetRoleByUserID")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("user_id", userID))

	query := `SELECT r.role_id, r.role_name, r.description FROM roles r JOIN user_role ur ON ur.role_id = r.role_id WHERE ur.user_id = $1 ORDER BY r.role_id LIMIT 1`

	var (
		found       models.Role
		description sql.NullString
	)
	err = r.db.QueryRowContext(ctx, query, userID).Scan(&found.RoleID, &found.RoleName, &description)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
		return nil, nil
	case err != nil:
		slog.Error("failed to get role by user id", "method", "GetRoleByUserID", "user_id", userID, "error", err)
		err = fmt.Errorf("failed to get role by user id: %w: %w", pkgerrors.ErrStoreUnavailable, err)
		return nil, err
	}
	found.Description = description.String
	return &found, nil
}

func (r *PostgresUserRepository) UpdateLoginInfo(ctx context.Context, userID, ip string, at time.Time) (err error) {
	ctx, span, finish := startCall(ctx, "user-repository", "UpdateLoginInfo")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("user_id", userID))

	query := `UPDATE users SET last_login_ip = $1, last_login_at = $2, updated_by = $3, updated_at = now() WHERE user_id = $4`
	res, err := r.db.ExecContext(ctx, query, ip, at.UTC(), models.SystemActor, userID)
	if err != nil {
		slog.Error("failed to update login info", "method", "UpdateLoginInfo", "user_id", userID, "error", err)
		err = fmt.Errorf("failed to update login info: %w", err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("failed to update login info: %w", err)
		return err
	}
	if affected == 0 {
		err = pkgerrors.ErrUserNotFound
		return err
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt32(n int32) sql.NullInt32 {
	return sql.NullInt32{Int32: n, Valid: n != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
