package pg

import (
	"context"
	"database/sql"
	"strings"

	"github.com/madfam-io/plinto-sub006/internal/ids"
	"github.com/madfam-io/plinto-sub006/internal/rbac"
)

// GrantStore implements rbac.Store.
type GrantStore struct {
	db *sql.DB
}

var _ rbac.Store = (*GrantStore)(nil)

func (s *GrantStore) CreateGrant(ctx context.Context, g *rbac.Grant) error {
	if g.ID == "" {
		g.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into grants (id, tenant_id, subject_id, role, effect, resource, action)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at
	`, g.ID, g.TenantID, g.SubjectID, g.Role, g.Effect, g.Resource, g.Action)
	return row.Scan(&g.CreatedAt)
}

func (s *GrantStore) DeleteGrant(ctx context.Context, grantID string) error {
	return execOne(ctx, s.db, rbac.ErrInvalidInput, `delete from grants where id = $1`, grantID)
}

func (s *GrantStore) ListBySubjects(ctx context.Context, tenantID string, subjectIDs []string) ([]rbac.Grant, error) {
	// IDs are ULIDs, so the comma join is unambiguous.
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, subject_id, role, effect, resource, action, created_at
		from grants
		where tenant_id = $1 and subject_id = any(string_to_array($2, ','))
		order by created_at asc
	`, tenantID, strings.Join(subjectIDs, ","))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rbac.Grant
	for rows.Next() {
		var g rbac.Grant
		if err := rows.Scan(&g.ID, &g.TenantID, &g.SubjectID, &g.Role, &g.Effect, &g.Resource, &g.Action, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
