package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/session"
)

// SessionStore implements session.Store.
type SessionStore struct {
	db *sql.DB
}

var _ session.Store = (*SessionStore)(nil)

func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, tenant_id, identity_id, family_id, ip, user_agent, created_at, last_seen_at, expires_at)
		values ($1, $2, $3, nullif($4, ''), $5, $6, $7, $8, $9)
	`, sess.ID, sess.TenantID, sess.IdentityID, sess.FamilyID, sess.IP, sess.UserAgent,
		sess.CreatedAt, sess.LastSeenAt, sess.ExpiresAt)
	return err
}

const sessionColumns = `id, tenant_id, identity_id, coalesce(family_id, ''), ip, user_agent,
	created_at, last_seen_at, expires_at, revoked_at, coalesce(revoke_reason, '')`

func scanSession(scan func(dest ...any) error) (*session.Session, error) {
	var (
		sess      session.Session
		revokedAt sql.NullTime
	)
	err := scan(&sess.ID, &sess.TenantID, &sess.IdentityID, &sess.FamilyID, &sess.IP, &sess.UserAgent,
		&sess.CreatedAt, &sess.LastSeenAt, &sess.ExpiresAt, &revokedAt, &sess.RevokeReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		sess.RevokedAt = revokedAt.Time
	}
	return &sess, nil
}

func (s *SessionStore) Find(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id)
	return scanSession(row.Scan)
}

func (s *SessionStore) List(ctx context.Context, identityID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+sessionColumns+` from sessions where identity_id = $1 order by created_at desc`,
		identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	return execOne(ctx, s.db, session.ErrNotFound,
		`update sessions set last_seen_at = $2 where id = $1`, id, at)
}

func (s *SessionStore) BindFamily(ctx context.Context, id, familyID string) error {
	return execOne(ctx, s.db, session.ErrNotFound,
		`update sessions set family_id = $2 where id = $1`, id, familyID)
}

func (s *SessionStore) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	return execOne(ctx, s.db, session.ErrNotFound, `
		update sessions
		set revoked_at = coalesce(revoked_at, $3), revoke_reason = coalesce(revoke_reason, $2)
		where id = $1
	`, id, reason, at)
}
