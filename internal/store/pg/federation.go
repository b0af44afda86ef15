package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/madfam-io/plinto-sub006/internal/federation"
	"github.com/madfam-io/plinto-sub006/internal/ids"
)

// ProviderStore implements federation.ProviderStore.
type ProviderStore struct {
	db *sql.DB
}

var _ federation.ProviderStore = (*ProviderStore)(nil)

func (s *ProviderStore) CreateProvider(ctx context.Context, p *federation.Provider) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sso_providers
			(id, tenant_id, type, name, enabled, allow_jit, default_role,
			 idp_metadata_xml, issuer, client_id, authorize_url, jwks_url)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.TenantID, p.Type, p.Name, p.Enabled, p.AllowJIT, p.DefaultRole,
		p.IDPMetadataXML, p.Issuer, p.ClientID, p.AuthorizeURL, p.JWKSURL)
	return err
}

const providerColumns = `id, tenant_id, type, name, enabled, allow_jit, coalesce(default_role, ''),
	coalesce(idp_metadata_xml, ''), coalesce(issuer, ''), coalesce(client_id, ''),
	coalesce(authorize_url, ''), coalesce(jwks_url, '')`

func scanProvider(scan func(dest ...any) error) (*federation.Provider, error) {
	var p federation.Provider
	err := scan(&p.ID, &p.TenantID, &p.Type, &p.Name, &p.Enabled, &p.AllowJIT, &p.DefaultRole,
		&p.IDPMetadataXML, &p.Issuer, &p.ClientID, &p.AuthorizeURL, &p.JWKSURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, federation.ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ProviderStore) FindProvider(ctx context.Context, tenantID, providerID string) (*federation.Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+providerColumns+` from sso_providers where tenant_id = $1 and id = $2`,
		tenantID, providerID)
	return scanProvider(row.Scan)
}

func (s *ProviderStore) ListProviders(ctx context.Context, tenantID string) ([]*federation.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+providerColumns+` from sso_providers where tenant_id = $1 order by name asc`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*federation.Provider
	for rows.Next() {
		p, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *ProviderStore) SetProviderEnabled(ctx context.Context, tenantID, providerID string, enabled bool) error {
	return execOne(ctx, s.db, federation.ErrProviderNotFound,
		`update sso_providers set enabled = $3 where tenant_id = $1 and id = $2`,
		tenantID, providerID, enabled)
}
