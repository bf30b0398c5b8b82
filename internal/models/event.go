package models

import "time"

type EventType string

const (
	EventTokenRevoked   EventType = "token_revoked"
	EventTokenRejected  EventType = "token_rejected"
	EventLoginSucceeded EventType = "login_succeeded"
	EventLoginFailed    EventType = "login_failed"
)

// AuthEvent is published to the audit topic.
type AuthEvent struct {
	EventType  EventType  `json:"event_type"`
	JTI        string     `json:"jti,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	TokenType  TokenType  `json:"token_type,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
