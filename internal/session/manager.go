package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/ids"
)

const defaultMaxAge = 30 * 24 * time.Hour

// familyRevoker is the slice of the token service the manager needs.
type familyRevoker interface {
	RevokeFamily(ctx context.Context, familyID string) error
}

// Manager opens, lists, and revokes sessions.
type Manager struct {
	store  Store
	tokens familyRevoker
	ledger *audit.Ledger
	maxAge time.Duration
	now    func() time.Time
}

// Option configures the Manager.
type Option func(*Manager)

// WithMaxAge caps the absolute session lifetime. Refreshing tokens never
// extends a session past this.
func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs the Manager.
func NewManager(store Store, tokens familyRevoker, ledger *audit.Ledger, opts ...Option) (*Manager, error) {
	if store == nil || tokens == nil || ledger == nil {
		return nil, errors.New("session: store, token revoker, and ledger are required")
	}
	m := &Manager{
		store:  store,
		tokens: tokens,
		ledger: ledger,
		maxAge: defaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open starts a session for a signed-in identity. The refresh family is
// bound afterwards, once the token service has minted it.
func (m *Manager) Open(ctx context.Context, tenantID, identityID, ip, userAgent string) (*Session, error) {
	now := m.now().UTC()
	s := &Session{
		ID:         ids.New(),
		TenantID:   tenantID,
		IdentityID: identityID,
		IP:         strings.TrimSpace(ip),
		UserAgent:  strings.TrimSpace(userAgent),
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(m.maxAge),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// BindFamily attaches the refresh family minted for this session.
func (m *Manager) BindFamily(ctx context.Context, sessionID, familyID string) error {
	return m.store.BindFamily(ctx, sessionID, familyID)
}

// Find returns the session regardless of state; callers check Active.
func (m *Manager) Find(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Find(ctx, sessionID)
}

// Touch records activity. Expired or revoked sessions refuse the touch.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	s, err := m.store.Find(ctx, sessionID)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	if !s.Active(now) {
		return ErrExpired
	}
	return m.store.Touch(ctx, sessionID, now)
}

// List returns the identity's sessions, active and not, newest first.
func (m *Manager) List(ctx context.Context, identityID string) ([]*Session, error) {
	return m.store.List(ctx, identityID)
}

// Revoke closes a session. The refresh family dies and the audit record is
// written synchronously; by the time this returns, no token from the session
// works and the revocation is on the chain.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	s, err := m.store.Find(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.RevokedAt.IsZero() {
		return nil
	}
	if err := m.store.Revoke(ctx, sessionID, reason, m.now().UTC()); err != nil {
		return err
	}
	if s.FamilyID != "" {
		if err := m.tokens.RevokeFamily(ctx, s.FamilyID); err != nil {
			return err
		}
	}
	_, err = m.ledger.Append(ctx, audit.Record{
		Actor:  s.IdentityID,
		Action: "session.revoked",
		Target: "session:" + s.ID,
		Metadata: map[string]string{
			"tenant_id": s.TenantID,
			"reason":    reason,
		},
	})
	return err
}

// RevokeAll closes every active session of an identity except one, typically
// the caller's own.
func (m *Manager) RevokeAll(ctx context.Context, identityID, exceptID, reason string) (int, error) {
	sessions, err := m.store.List(ctx, identityID)
	if err != nil {
		return 0, err
	}
	now := m.now().UTC()
	count := 0
	for _, s := range sessions {
		if s.ID == exceptID || !s.Active(now) {
			continue
		}
		if err := m.Revoke(ctx, s.ID, reason); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
