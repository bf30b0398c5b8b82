package models

import (
	"time"

	"github.com/google/uuid"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

func (t TokenType) Valid() bool {
	switch t {
	case TokenTypeAccess, TokenTypeRefresh:
		return true
	}
	return false
}

func (t TokenType) String() string {
	return string(t)
}

// ParseTokenType accepts only the two wire values.
func ParseTokenType(s string) (TokenType, bool) {
	t := TokenType(s)
	return t, t.Valid()
}

type RevocationReason string

const (
	ReasonUnset  RevocationReason = ""
	ReasonLogout RevocationReason = "logout"
)

// Token is the decoded, verified body of a signed token.
type Token struct {
	Subject   string
	JTI       uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
	Type      TokenType
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func NewTokenPair(access, refresh string) *TokenPair {
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
	}
}

// BlocklistEntry is a revoked token record. It is never updated; it is removed only
// once ExpiresAt has passed.
type BlocklistEntry struct {
	JTI           uuid.UUID        `json:"jti"`
	UserID        string           `json:"user_id"`
	TokenType     TokenType        `json:"token_type"`
	ExpiresAt     time.Time        `json:"expires_at"`
	RevokedReason RevocationReason `json:"revoked_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}
