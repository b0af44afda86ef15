package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/session"
	"github.com/madfam-io/plinto-sub006/internal/token"
)

var pgUniqueErr = pgconn.PgError{Code: pgErrUniqueViolation}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestIdentityCreateConflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("insert into identities").
		WithArgs(sqlmock.AnyArg(), "t1", "ana@example.com", "hash", identity.StatusActive).
		WillReturnError(&pgUniqueErr)

	err := store.Identities().Create(context.Background(), &identity.Identity{
		TenantID:     "t1",
		Email:        "ana@example.com",
		PasswordHash: "hash",
		Status:       identity.StatusActive,
	})
	if !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityFindByEmail(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select .* from identities where tenant_id").
		WithArgs("t1", "ana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "email", "password_hash", "status", "created_at", "updated_at",
		}).AddRow("id-1", "t1", "ana@example.com", "hash", identity.StatusActive, now, now))

	id, err := store.Identities().FindByEmail(context.Background(), "t1", "ana@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if id.ID != "id-1" || id.Status != identity.StatusActive {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeBackupCodeAtomic(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("update backup_codes set used = true").
		WithArgs("factor-1", "deadbeef").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update backup_codes set used = true").
		WithArgs("factor-1", "deadbeef").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Identities().ConsumeBackupCode(context.Background(), "factor-1", "deadbeef")
	if err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}
	ok, err = store.Identities().ConsumeBackupCode(context.Background(), "factor-1", "deadbeef")
	if err != nil || ok {
		t.Fatalf("second consume must lose: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func refreshRows(rec *token.RefreshToken) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "family_id", "session_id", "identity_id", "tenant_id", "secret_hash",
		"generation", "status", "access_jti", "access_expires_at", "issued_at", "expires_at",
	}).AddRow(rec.ID, rec.FamilyID, rec.SessionID, rec.IdentityID, rec.TenantID, rec.SecretHash,
		rec.Generation, rec.Status, rec.AccessJTI, rec.AccessExpiresAt, rec.IssuedAt, rec.ExpiresAt)
}

func TestConsumeRefreshToken(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	rec := &token.RefreshToken{
		ID: "tok-1", FamilyID: "fam-1", SessionID: "sess-1", IdentityID: "id-1",
		TenantID: "t1", SecretHash: "hash", Generation: 1, Status: token.StatusConsumed,
		AccessJTI: "jti-1", AccessExpiresAt: now.Add(15 * time.Minute),
		IssuedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}

	mock.ExpectQuery("update refresh_tokens set status").
		WithArgs("tok-1", token.StatusConsumed, token.StatusIssued).
		WillReturnRows(refreshRows(rec))

	got, err := store.TokenFamilies().Consume(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.Status != token.StatusConsumed || got.FamilyID != "fam-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeRefreshTokenReplay(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	rec := &token.RefreshToken{
		ID: "tok-1", FamilyID: "fam-1", SessionID: "sess-1", IdentityID: "id-1",
		TenantID: "t1", SecretHash: "hash", Generation: 1, Status: token.StatusConsumed,
		AccessJTI: "jti-1", AccessExpiresAt: now, IssuedAt: now, ExpiresAt: now,
	}

	// The guarded update touches nothing, but the token exists: replay.
	mock.ExpectQuery("update refresh_tokens set status").
		WithArgs("tok-1", token.StatusConsumed, token.StatusIssued).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("select .* from refresh_tokens where id").
		WithArgs("tok-1").
		WillReturnRows(refreshRows(rec))

	if _, err := store.TokenFamilies().Consume(context.Background(), "tok-1"); !errors.Is(err, token.ErrReplayed) {
		t.Fatalf("expected ErrReplayed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeRefreshTokenRevokedFamily(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	rec := &token.RefreshToken{
		ID: "tok-1", FamilyID: "fam-1", SessionID: "sess-1", IdentityID: "id-1",
		TenantID: "t1", SecretHash: "hash", Generation: 1, Status: token.StatusRevoked,
		AccessJTI: "jti-1", AccessExpiresAt: now, IssuedAt: now, ExpiresAt: now,
	}

	// The token sits in a closed family: revoked, not replayed.
	mock.ExpectQuery("update refresh_tokens set status").
		WithArgs("tok-1", token.StatusConsumed, token.StatusIssued).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("select .* from refresh_tokens where id").
		WithArgs("tok-1").
		WillReturnRows(refreshRows(rec))

	if _, err := store.TokenFamilies().Consume(context.Background(), "tok-1"); !errors.Is(err, token.ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppendLinksChain(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").
		WithArgs(int64(auditChainLock)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select seq, hash from audit_records").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(uint64(41), "prev-hash"))
	mock.ExpectExec("insert into audit_records").
		WithArgs(uint64(42), "rec-1", "id-1", "session.revoked", "session:s1", audit.SeverityInfo,
			now, sqlmock.AnyArg(), sqlmock.AnyArg(), "prev-hash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec := &audit.Record{
		ID:         "rec-1",
		Actor:      "id-1",
		Action:     "session.revoked",
		Target:     "session:s1",
		Severity:   audit.SeverityInfo,
		OccurredAt: now,
	}
	if err := store.AuditChain().Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if rec.Seq != 42 || rec.PrevHash != "prev-hash" {
		t.Fatalf("chain fields not assigned: %+v", rec)
	}
	if rec.Hash != audit.ChainHash(*rec) {
		t.Fatal("hash mismatch")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRevokeKeepsFirstReason(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectExec("update sessions").
		WithArgs("sess-1", session.ReasonSignOut, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Sessions().Revoke(context.Background(), "sess-1", session.ReasonSignOut, at); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRevokeUnknown(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectExec("update sessions").
		WithArgs("nope", session.ReasonSignOut, at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Sessions().Revoke(context.Background(), "nope", session.ReasonSignOut, at); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
