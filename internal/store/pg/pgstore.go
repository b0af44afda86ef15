// Package pg backs every store interface with PostgreSQL through the pgx
// stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store holds the shared connection pool and hands out the per-aggregate
// stores.
type Store struct {
	db *sql.DB
}

// Open connects and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle. Tests inject sqlmock through this.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Identities() *IdentityStore  { return &IdentityStore{db: s.db} }
func (s *Store) Sessions() *SessionStore     { return &SessionStore{db: s.db} }
func (s *Store) Grants() *GrantStore         { return &GrantStore{db: s.db} }
func (s *Store) TokenFamilies() *FamilyStore { return &FamilyStore{db: s.db} }
func (s *Store) Providers() *ProviderStore   { return &ProviderStore{db: s.db} }
func (s *Store) AuditChain() *AuditStore     { return &AuditStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

// execOne runs a statement that must touch exactly one row, mapping a zero
// count to the caller's not-found sentinel.
func execOne(ctx context.Context, db *sql.DB, notFound error, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
