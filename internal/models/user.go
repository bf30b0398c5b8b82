package models

import "time"

type UserStatus string

const (
	UserEnabled  UserStatus = "ENABLED"
	UserDisabled UserStatus = "DISABLED"
)

type Gender string

const (
	GenderMale    Gender = "M"
	GenderFemale  Gender = "F"
	GenderUnknown Gender = "U"
)

type User struct {
	UserID       string     `json:"user_id"`
	PasswordHash string     `json:"-"`
	Name         string     `json:"name"`
	Status       UserStatus `json:"status"`
	Gender       Gender     `json:"gender"`
	Birthdate    *time.Time `json:"birthdate,omitempty"`
	College      string     `json:"college,omitempty"`
	StudentType  string     `json:"stu_type,omitempty"`
	Grade        int32      `json:"grade,omitempty"`
	Major        string     `json:"major,omitempty"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP  string     `json:"last_login_ip,omitempty"`
	CreatedBy    string     `json:"-"`
	UpdatedBy    string     `json:"-"`
	CreatedAt    time.Time  `json:"-"`
	UpdatedAt    time.Time  `json:"-"`
}

type Role struct {
	RoleID      int32  `json:"role_id"`
	RoleName    string `json:"role_name"`
	Description string `json:"description,omitempty"`
}

const (
	RoleIDAdmin   int32 = 1
	RoleIDTeacher int32 = 2
	RoleIDStudent int32 = 3

	// AdminRoleMarker grants management rights when it appears in a role name.
	AdminRoleMarker = "ADMIN"

	SystemActor = "sys_service"
)
