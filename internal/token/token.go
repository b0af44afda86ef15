// Package token issues and verifies the platform's credentials: short-lived
// RS256 access tokens and opaque rotating refresh tokens organized into
// families. A consumed refresh token presented again is treated as theft and
// takes its whole family down.
package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidToken covers malformed, unknown, expired, and
	// wrong-secret tokens uniformly.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrReplayed flags a refresh token that was already consumed. By the
	// time the caller sees it, the family and its session are revoked.
	ErrReplayed = errors.New("token: refresh token replayed")
	// ErrRevoked flags a token whose family or session was deliberately
	// closed. Unlike ErrReplayed it is not a theft signal.
	ErrRevoked = errors.New("token: revoked")
	// ErrUnknownKey means no current or overlap-window key matches the kid.
	ErrUnknownKey = errors.New("token: unknown signing key")
	// ErrTransient marks store failures worth retrying.
	ErrTransient = errors.New("token: transient store error")
)

// Refresh token states.
const (
	StatusIssued   = "issued"
	StatusConsumed = "consumed"
	StatusRevoked  = "revoked"
)

// RefreshToken is the stored half of an opaque refresh token. The client
// holds "id.secret"; only the secret's hash is persisted. Generation counts
// rotations within the family.
type RefreshToken struct {
	ID         string
	FamilyID   string
	SessionID  string
	IdentityID string
	TenantID   string
	SecretHash string
	Generation int
	Status     string
	// AccessJTI pairs the refresh token with the access token minted
	// alongside it, so a family revocation can deny-list live access tokens.
	AccessJTI       string
	AccessExpiresAt time.Time
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// FamilyStore persists refresh-token families.
type FamilyStore interface {
	Create(ctx context.Context, rec *RefreshToken) error
	Find(ctx context.Context, tokenID string) (*RefreshToken, error)
	// Consume atomically flips an issued token to consumed and returns it.
	// ErrReplayed when the token is already consumed, ErrRevoked when its
	// family was administratively revoked.
	Consume(ctx context.Context, tokenID string) (*RefreshToken, error)
	// RevokeFamily marks every token in the family revoked.
	RevokeFamily(ctx context.Context, familyID string) error
	ListFamily(ctx context.Context, familyID string) ([]*RefreshToken, error)
}

// withRetry runs fn, retrying transient store errors with a short backoff.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := 25 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrTransient) || attempt >= 2 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
