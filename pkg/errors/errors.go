package errors

import (
	"errors"
)

// Token verification failures. They collapse to a single unauthorized outcome at the
// HTTP boundary but stay distinct internally for logging and audit.
var (
	ErrMalformedToken    = errors.New("malformed token")
	ErrInvalidSignature  = errors.New("invalid token signature")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenTypeMismatch = errors.New("token type mismatch")
	ErrTokenRevoked      = errors.New("token revoked")
)

// Store-level failures. These propagate up to the request boundary.
var (
	ErrDuplicateRevocation = errors.New("token already revoked")
	ErrStoreUnavailable    = errors.New("store unavailable")
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserDisabled       = errors.New("user disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNilEntry           = errors.New("blocklist entry is nil")
	ErrNilUser            = errors.New("user is nil")
	ErrInvalidTokenType   = errors.New("invalid token type")
	ErrInvalidInput       = errors.New("invalid input")
)

// IsVerificationFailure reports whether err is one of the token rejection reasons.
func IsVerificationFailure(err error) bool {
	return errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenTypeMismatch) ||
		errors.Is(err, ErrTokenRevoked)
}
