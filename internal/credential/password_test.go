package credential

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/identity"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}

	ok, stale := checkPassword(hash, "correct horse battery staple")
	if !ok || stale {
		t.Fatalf("fresh hash should verify and not be stale: ok=%v stale=%v", ok, stale)
	}
	ok, _ = checkPassword(hash, "wrong password")
	if ok {
		t.Fatal("wrong password must not verify")
	}
}

func TestCheckPasswordLegacyBcrypt(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("old-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	ok, stale := checkPassword(string(legacy), "old-password")
	if !ok {
		t.Fatal("legacy bcrypt hash should verify")
	}
	if !stale {
		t.Fatal("legacy hash must be flagged for upgrade")
	}
}

func newVerifier(t *testing.T) (*Verifier, *identity.InMemory) {
	t.Helper()
	store := identity.NewInMemory()
	v, err := NewVerifier(store, store, cache.NewMemory())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v, store
}

func seedIdentity(t *testing.T, store *identity.InMemory, email, password string) *identity.Identity {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	id := &identity.Identity{
		TenantID:     "t1",
		Email:        email,
		PasswordHash: hash,
		Status:       identity.StatusActive,
	}
	if err := store.Create(context.Background(), id); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestVerifyPassword(t *testing.T) {
	v, store := newVerifier(t)
	ctx := context.Background()
	seeded := seedIdentity(t, store, "ana@example.com", "s3cret-enough")

	id, err := v.VerifyPassword(ctx, "t1", "Ana@Example.com", "s3cret-enough")
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if id.ID != seeded.ID {
		t.Fatalf("unexpected identity: %s", id.ID)
	}
}

func TestVerifyPasswordUniformFailure(t *testing.T) {
	v, store := newVerifier(t)
	ctx := context.Background()
	seedIdentity(t, store, "ana@example.com", "s3cret-enough")

	cases := []struct {
		name            string
		email, password string
	}{
		{"wrong password", "ana@example.com", "not-the-password"},
		{"unknown identity", "nobody@example.com", "s3cret-enough"},
		{"empty password", "ana@example.com", ""},
	}
	for _, tc := range cases {
		_, err := v.VerifyPassword(ctx, "t1", tc.email, tc.password)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", tc.name, err)
		}
	}
}

func TestVerifyPasswordRejectsInactive(t *testing.T) {
	v, store := newVerifier(t)
	ctx := context.Background()
	id := seedIdentity(t, store, "ana@example.com", "s3cret-enough")

	if err := store.UpdateStatus(ctx, id.ID, identity.StatusLocked); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := v.VerifyPassword(ctx, "t1", "ana@example.com", "s3cret-enough"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("locked identity should fail uniformly, got %v", err)
	}
}

func TestVerifyPasswordUpgradesLegacyHash(t *testing.T) {
	v, store := newVerifier(t)
	ctx := context.Background()

	legacy, err := bcrypt.GenerateFromPassword([]byte("old-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	id := &identity.Identity{
		TenantID:     "t1",
		Email:        "bruno@example.com",
		PasswordHash: string(legacy),
		Status:       identity.StatusActive,
	}
	if err := store.Create(ctx, id); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := v.VerifyPassword(ctx, "t1", "bruno@example.com", "old-password"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}

	updated, err := store.Find(ctx, id.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !strings.HasPrefix(updated.PasswordHash, "$argon2id$") {
		t.Fatalf("hash not upgraded: %s", updated.PasswordHash)
	}
	if _, err := v.VerifyPassword(ctx, "t1", "bruno@example.com", "old-password"); err != nil {
		t.Fatalf("VerifyPassword after upgrade: %v", err)
	}
}
