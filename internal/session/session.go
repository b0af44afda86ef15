// Package session tracks server-side sign-in state. Every session owns one
// refresh-token family; revoking the session kills the family and its live
// access tokens before the call returns, so "sign out everywhere" means now,
// not at next token expiry.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("session: not found")
	// ErrExpired covers both natural expiry and revocation.
	ErrExpired = errors.New("session: expired or revoked")
)

// Revocation reasons recorded on the session.
const (
	ReasonSignOut        = "sign_out"
	ReasonSignOutAll     = "sign_out_all"
	ReasonTokenReplay    = "token_replay"
	ReasonPasswordChange = "password_change"
	ReasonAdmin          = "admin"
)

// Session is one device's sign-in.
type Session struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	IdentityID   string    `json:"identity_id"`
	FamilyID     string    `json:"-"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RevokedAt    time.Time `json:"revoked_at,omitzero"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}

// Active reports whether the session is usable at the given instant.
func (s *Session) Active(at time.Time) bool {
	return s.RevokedAt.IsZero() && at.Before(s.ExpiresAt)
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, identityID string) ([]*Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	BindFamily(ctx context.Context, id, familyID string) error
	Revoke(ctx context.Context, id, reason string, at time.Time) error
}
