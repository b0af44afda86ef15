package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/madfam-io/plinto-sub006/internal/token"
)

// FamilyStore implements token.FamilyStore.
type FamilyStore struct {
	db *sql.DB
}

var _ token.FamilyStore = (*FamilyStore)(nil)

func (s *FamilyStore) Create(ctx context.Context, rec *token.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens
			(id, family_id, session_id, identity_id, tenant_id, secret_hash, generation,
			 status, access_jti, access_expires_at, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.FamilyID, rec.SessionID, rec.IdentityID, rec.TenantID, rec.SecretHash,
		rec.Generation, rec.Status, rec.AccessJTI, rec.AccessExpiresAt, rec.IssuedAt, rec.ExpiresAt)
	return err
}

const refreshColumns = `id, family_id, session_id, identity_id, tenant_id, secret_hash,
	generation, status, access_jti, access_expires_at, issued_at, expires_at`

func scanRefresh(scan func(dest ...any) error) (*token.RefreshToken, error) {
	var rec token.RefreshToken
	err := scan(&rec.ID, &rec.FamilyID, &rec.SessionID, &rec.IdentityID, &rec.TenantID,
		&rec.SecretHash, &rec.Generation, &rec.Status, &rec.AccessJTI, &rec.AccessExpiresAt,
		&rec.IssuedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *FamilyStore) Find(ctx context.Context, tokenID string) (*token.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where id = $1`, tokenID)
	return scanRefresh(row.Scan)
}

// Consume flips issued to consumed in a single guarded update. A zero row
// count on an existing token means the token already left the issued state;
// its stored status decides between the replay and revoked signals.
func (s *FamilyStore) Consume(ctx context.Context, tokenID string) (*token.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		update refresh_tokens set status = $2
		where id = $1 and status = $3
		returning `+refreshColumns+`
	`, tokenID, token.StatusConsumed, token.StatusIssued)

	rec, err := scanRefresh(row.Scan)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, token.ErrInvalidToken) {
		return nil, err
	}
	// No issued row: an already-consumed token is the replay signal, a
	// revoked one is a closed family, anything else is an unknown id.
	existing, ferr := s.Find(ctx, tokenID)
	if ferr != nil {
		return nil, token.ErrInvalidToken
	}
	if existing.Status == token.StatusRevoked {
		return nil, token.ErrRevoked
	}
	return nil, token.ErrReplayed
}

func (s *FamilyStore) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set status = $2 where family_id = $1`,
		familyID, token.StatusRevoked)
	return err
}

func (s *FamilyStore) ListFamily(ctx context.Context, familyID string) ([]*token.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where family_id = $1 order by generation asc`,
		familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*token.RefreshToken
	for rows.Next() {
		rec, err := scanRefresh(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
