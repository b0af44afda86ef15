package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/ids"
)

// IdentityStore implements the identity aggregate stores.
type IdentityStore struct {
	db *sql.DB
}

var (
	_ identity.Store           = (*IdentityStore)(nil)
	_ identity.CredentialStore = (*IdentityStore)(nil)
	_ identity.FactorStore     = (*IdentityStore)(nil)
)

func (s *IdentityStore) Create(ctx context.Context, id *identity.Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into identities (id, tenant_id, email, password_hash, status)
		values ($1, $2, lower($3), $4, $5)
		returning created_at, updated_at
	`, id.ID, id.TenantID, id.Email, id.PasswordHash, id.Status)
	if err := row.Scan(&id.CreatedAt, &id.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

const identityColumns = `id, tenant_id, email, coalesce(password_hash, ''), status, created_at, updated_at`

func scanIdentity(row *sql.Row) (*identity.Identity, error) {
	var id identity.Identity
	err := row.Scan(&id.ID, &id.TenantID, &id.Email, &id.PasswordHash, &id.Status, &id.CreatedAt, &id.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *IdentityStore) Find(ctx context.Context, id string) (*identity.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id = $1`, id))
}

func (s *IdentityStore) FindByEmail(ctx context.Context, tenantID, email string) (*identity.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where tenant_id = $1 and email = lower($2)`,
		tenantID, strings.TrimSpace(email)))
}

func (s *IdentityStore) UpdatePasswordHash(ctx context.Context, identityID, hash string) error {
	return execOne(ctx, s.db, identity.ErrNotFound,
		`update identities set password_hash = $2, updated_at = now() where id = $1`,
		identityID, hash)
}

func (s *IdentityStore) UpdateStatus(ctx context.Context, identityID, status string) error {
	return execOne(ctx, s.db, identity.ErrNotFound,
		`update identities set status = $2, updated_at = now() where id = $1`,
		identityID, status)
}

func (s *IdentityStore) CreateCredential(ctx context.Context, cred *identity.Credential) error {
	row := s.db.QueryRowContext(ctx, `
		insert into webauthn_credentials (id, identity_id, public_key, sign_count, device_label)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, cred.ID, cred.IdentityID, cred.PublicKey, cred.SignCount, cred.DeviceLabel)
	if err := row.Scan(&cred.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

const credentialColumns = `id, identity_id, public_key, sign_count, device_label, created_at, coalesce(last_used_at, 'epoch'::timestamptz)`

func (s *IdentityStore) FindCredential(ctx context.Context, credentialID string) (*identity.Credential, error) {
	var cred identity.Credential
	err := s.db.QueryRowContext(ctx,
		`select `+credentialColumns+` from webauthn_credentials where id = $1`, credentialID,
	).Scan(&cred.ID, &cred.IdentityID, &cred.PublicKey, &cred.SignCount, &cred.DeviceLabel, &cred.CreatedAt, &cred.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *IdentityStore) ListCredentials(ctx context.Context, identityID string) ([]*identity.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+credentialColumns+` from webauthn_credentials where identity_id = $1 order by created_at asc`,
		identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Credential
	for rows.Next() {
		var cred identity.Credential
		if err := rows.Scan(&cred.ID, &cred.IdentityID, &cred.PublicKey, &cred.SignCount, &cred.DeviceLabel, &cred.CreatedAt, &cred.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, &cred)
	}
	return out, rows.Err()
}

func (s *IdentityStore) UpdateSignCount(ctx context.Context, credentialID string, count uint32) error {
	return execOne(ctx, s.db, identity.ErrNotFound,
		`update webauthn_credentials set sign_count = $2, last_used_at = now() where id = $1`,
		credentialID, count)
}

func (s *IdentityStore) DeleteCredential(ctx context.Context, credentialID string) error {
	return execOne(ctx, s.db, identity.ErrNotFound,
		`delete from webauthn_credentials where id = $1`, credentialID)
}

func (s *IdentityStore) CreateFactor(ctx context.Context, f *identity.Factor) error {
	if f.ID == "" {
		f.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into mfa_factors (id, identity_id, type, secret, enabled)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, f.ID, f.IdentityID, f.Type, f.Secret, f.Enabled)
	return row.Scan(&f.CreatedAt)
}

const factorColumns = `id, identity_id, type, secret, enabled, coalesce(last_used_at, 'epoch'::timestamptz), created_at`

func (s *IdentityStore) FindFactor(ctx context.Context, factorID string) (*identity.Factor, error) {
	var f identity.Factor
	err := s.db.QueryRowContext(ctx,
		`select `+factorColumns+` from mfa_factors where id = $1`, factorID,
	).Scan(&f.ID, &f.IdentityID, &f.Type, &f.Secret, &f.Enabled, &f.LastUsedAt, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *IdentityStore) ListFactors(ctx context.Context, identityID string) ([]*identity.Factor, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+factorColumns+` from mfa_factors where identity_id = $1 order by created_at asc`,
		identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Factor
	for rows.Next() {
		var f identity.Factor
		if err := rows.Scan(&f.ID, &f.IdentityID, &f.Type, &f.Secret, &f.Enabled, &f.LastUsedAt, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *IdentityStore) TouchFactor(ctx context.Context, factorID string) error {
	return execOne(ctx, s.db, identity.ErrNotFound,
		`update mfa_factors set last_used_at = now() where id = $1`, factorID)
}

func (s *IdentityStore) EnableFactor(ctx context.Context, factorID string) error {
	return execOne(ctx, s.db, identity.ErrNotFound,
		`update mfa_factors set enabled = true where id = $1`, factorID)
}

func (s *IdentityStore) DisableFactor(ctx context.Context, factorID string) error {
	return execOne(ctx, s.db, identity.ErrNotFound,
		`update mfa_factors set enabled = false where id = $1`, factorID)
}

func (s *IdentityStore) CreateBackupCodes(ctx context.Context, factorID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from backup_codes where factor_id = $1`, factorID); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx,
			`insert into backup_codes (factor_id, code_hash) values ($1, $2)`, factorID, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConsumeBackupCode flips the code to used in one statement, so two racing
// redemptions cannot both win.
func (s *IdentityStore) ConsumeBackupCode(ctx context.Context, factorID, codeHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update backup_codes set used = true, used_at = now()
		where factor_id = $1 and code_hash = $2 and not used
	`, factorID, codeHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
