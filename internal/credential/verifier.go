// Package credential validates passwords and WebAuthn assertions against
// stored credential material. Verification failures are uniform: callers can
// never distinguish an unknown identity from a wrong password.
package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/identity"
)

var (
	// ErrInvalidCredentials is deliberately uniform for unknown identities,
	// wrong passwords, and disabled accounts.
	ErrInvalidCredentials = errors.New("credential: invalid credentials")
	// ErrClonedAuthenticator flags a WebAuthn assertion whose signature
	// counter did not advance, a replay or cloned-device signal.
	ErrClonedAuthenticator = errors.New("credential: authenticator clone suspected")
	ErrChallengeExpired = errors.New("credential: challenge expired")
)

const defaultChallengeTTL = 5 * time.Minute

// Verifier checks passwords and passkey assertions.
type Verifier struct {
	identities   identity.Store
	credentials  identity.CredentialStore
	cache        cache.Cache
	challengeTTL time.Duration
	now          func() time.Time
}

// Option configures the Verifier.
type Option func(*Verifier)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithChallengeTTL overrides how long an issued WebAuthn challenge stays
// valid.
func WithChallengeTTL(ttl time.Duration) Option {
	return func(v *Verifier) {
		if ttl > 0 {
			v.challengeTTL = ttl
		}
	}
}

// NewVerifier constructs a Verifier.
func NewVerifier(identities identity.Store, credentials identity.CredentialStore, c cache.Cache, opts ...Option) (*Verifier, error) {
	if identities == nil || credentials == nil || c == nil {
		return nil, errors.New("credential: identity store, credential store, and cache are required")
	}
	v := &Verifier{
		identities:   identities,
		credentials:  credentials,
		cache:        c,
		challengeTTL: defaultChallengeTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// VerifyPassword authenticates an identity by tenant, email, and plaintext
// password. The stored hash is silently upgraded when its parameters are
// stale. Every failure path returns ErrInvalidCredentials.
func (v *Verifier) VerifyPassword(ctx context.Context, tenantID, email, password string) (*identity.Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	id, err := v.identities.FindByEmail(ctx, tenantID, email)
	if err != nil {
		// Burn comparable work so timing does not reveal account existence.
		checkPassword(dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if id.Status != identity.StatusActive || id.PasswordHash == "" {
		checkPassword(dummyHash, password)
		return nil, ErrInvalidCredentials
	}

	ok, stale := checkPassword(id.PasswordHash, password)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if stale {
		if upgraded, err := HashPassword(password); err == nil {
			_ = v.identities.UpdatePasswordHash(ctx, id.ID, upgraded)
		}
	}
	return id, nil
}
