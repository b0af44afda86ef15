package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/ids"
	"github.com/madfam-io/plinto-sub006/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour

	tokenTypeAccess = "access"
)

// Claims are the verified contents of an access token.
type Claims struct {
	TenantID  string `json:"tenant"`
	SessionID string `json:"sid"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is what a sign-in or refresh hands back.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`

	// FamilyID lets the caller bind the refresh family to its session.
	FamilyID string `json:"-"`
}

// RevokeHook is called when replay detection takes a family down, so the
// owning session can be closed without the token package importing it.
type RevokeHook func(ctx context.Context, tenantID, sessionID string)

// Service mints, rotates, and verifies tokens.
type Service struct {
	store      FamilyStore
	registry   *Registry
	cache      cache.Cache
	ledger     *audit.Ledger
	revokeHook RevokeHook
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithIssuer sets the iss claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAudience sets the aud claim.
func WithAudience(aud string) Option {
	return func(s *Service) error {
		s.audience = strings.TrimSpace(aud)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures the family lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithRevokeHook installs the session-close callback for replay handling.
func WithRevokeHook(hook RevokeHook) Option {
	return func(s *Service) error {
		s.revokeHook = hook
		return nil
	}
}

// NewService constructs the Service.
func NewService(store FamilyStore, registry *Registry, c cache.Cache, ledger *audit.Ledger, opts ...Option) (*Service, error) {
	if store == nil || registry == nil || c == nil || ledger == nil {
		return nil, errors.New("token: store, registry, cache, and ledger are required")
	}
	s := &Service{
		store:      store,
		registry:   registry,
		cache:      c,
		ledger:     ledger,
		issuer:     "plinto",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issue mints a fresh token pair and opens a new refresh family bound to the
// session.
func (s *Service) Issue(ctx context.Context, tenantID, identityID, sessionID string) (TokenPair, error) {
	return s.mint(ctx, tenantID, identityID, sessionID, ids.New(), 1, s.now().UTC().Add(s.refreshTTL))
}

// Refresh rotates an opaque refresh token. The consumed token's family and
// expiry carry over; a replayed token revokes the family, closes its session,
// and deny-lists the family's live access tokens before the error returns.
func (s *Service) Refresh(ctx context.Context, raw string) (TokenPair, error) {
	tokenID, secret, err := splitRefreshToken(raw)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}

	var rec *RefreshToken
	err = withRetry(ctx, func() error {
		var ferr error
		rec, ferr = s.store.Find(ctx, tokenID)
		return ferr
	})
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}
	if !secureCompareHash(rec.SecretHash, secret) {
		return TokenPair{}, ErrInvalidToken
	}
	if s.now().After(rec.ExpiresAt) {
		return TokenPair{}, ErrInvalidToken
	}

	var consumed *RefreshToken
	err = withRetry(ctx, func() error {
		var cerr error
		consumed, cerr = s.store.Consume(ctx, tokenID)
		return cerr
	})
	if errors.Is(err, ErrReplayed) {
		s.handleReplay(ctx, rec)
		return TokenPair{}, ErrReplayed
	}
	// A revoked family is a deliberate sign-out, not theft. No replay
	// response, no second audit record.
	if errors.Is(err, ErrRevoked) {
		return TokenPair{}, ErrRevoked
	}
	if err != nil {
		return TokenPair{}, err
	}

	pair, err := s.mint(ctx, consumed.TenantID, consumed.IdentityID, consumed.SessionID, consumed.FamilyID, consumed.Generation+1, consumed.ExpiresAt)
	if err != nil {
		return TokenPair{}, err
	}
	obs.TokenRefreshesTotal.WithLabelValues("rotated").Inc()
	return pair, nil
}

// handleReplay runs the theft response. The SetNX claim keeps the audit trail
// at exactly one replay record per family however many replicas race here.
func (s *Service) handleReplay(ctx context.Context, rec *RefreshToken) {
	first, err := s.cache.SetNX(ctx, "token:replay:"+rec.FamilyID, rec.ID, s.refreshTTL)
	if err != nil || !first {
		return
	}

	_ = withRetry(ctx, func() error {
		return s.store.RevokeFamily(ctx, rec.FamilyID)
	})

	// Deny-list every live access token the family minted.
	if family, err := s.store.ListFamily(ctx, rec.FamilyID); err == nil {
		for _, t := range family {
			if t.AccessJTI != "" {
				_ = s.RevokeAccess(ctx, t.AccessJTI, t.AccessExpiresAt)
			}
		}
	}
	if s.revokeHook != nil {
		s.revokeHook(ctx, rec.TenantID, rec.SessionID)
	}

	obs.ReplayDetectionsTotal.Inc()
	_, _ = s.ledger.Append(ctx, audit.Record{
		Actor:    rec.IdentityID,
		Action:   "token.replay_detected",
		Target:   "family:" + rec.FamilyID,
		Severity: audit.SeverityWarning,
		Metadata: map[string]string{
			"tenant_id":  rec.TenantID,
			"session_id": rec.SessionID,
			"token_id":   rec.ID,
		},
	})
}

// RevokeFamily revokes a refresh family and deny-lists its live access
// tokens. Session revocation calls this.
func (s *Service) RevokeFamily(ctx context.Context, familyID string) error {
	if err := s.store.RevokeFamily(ctx, familyID); err != nil {
		return err
	}
	family, err := s.store.ListFamily(ctx, familyID)
	if err != nil {
		return err
	}
	for _, t := range family {
		if t.AccessJTI != "" {
			if err := s.RevokeAccess(ctx, t.AccessJTI, t.AccessExpiresAt); err != nil {
				return err
			}
		}
	}
	return nil
}

// RevokeAccess deny-lists a single access token for its remaining lifetime.
func (s *Service) RevokeAccess(ctx context.Context, jti string, expiresAt time.Time) error {
	remaining := expiresAt.Sub(s.now())
	if remaining <= 0 {
		return nil
	}
	return s.cache.Set(ctx, denyKey(jti), "1", remaining)
}

// Verify parses and validates an access token: signature against the tenant
// key registry, issuer, audience, expiry, token type, and the deny-list.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKey
		}
		return s.registry.Public(kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}

	if _, err := s.cache.Get(ctx, denyKey(claims.ID)); err == nil {
		return nil, ErrRevoked
	} else if !errors.Is(err, cache.ErrMiss) {
		return nil, err
	}
	return claims, nil
}

func (s *Service) mint(ctx context.Context, tenantID, identityID, sessionID, familyID string, generation int, familyExpiry time.Time) (TokenPair, error) {
	now := s.now().UTC()
	key, err := s.registry.Current(tenantID)
	if err != nil {
		return TokenPair{}, err
	}

	jti := ids.New()
	accessExp := now.Add(s.accessTTL)
	claims := Claims{
		TenantID:  tenantID,
		SessionID: sessionID,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   identityID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.ID
	accessToken, err := tok.SignedString(key.Key)
	if err != nil {
		return TokenPair{}, fmt.Errorf("token: sign access token: %w", err)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return TokenPair{}, fmt.Errorf("token: generate refresh secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := &RefreshToken{
		ID:              ids.New(),
		FamilyID:        familyID,
		SessionID:       sessionID,
		IdentityID:      identityID,
		TenantID:        tenantID,
		SecretHash:      hashSecret(secret),
		Generation:      generation,
		Status:          StatusIssued,
		AccessJTI:       jti,
		AccessExpiresAt: accessExp,
		IssuedAt:        now,
		ExpiresAt:       familyExpiry,
	}
	if err := withRetry(ctx, func() error { return s.store.Create(ctx, rec) }); err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     rec.ID + "." + secret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
		FamilyID:         familyID,
	}, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || id == "" || secret == "" {
		return "", "", ErrInvalidToken
	}
	return id, secret, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(storedHash, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(hashSecret(secret))) == 1
}

func denyKey(jti string) string { return "token:deny:" + jti }
