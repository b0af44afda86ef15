package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/identity"
)

type fakeProvider struct {
	registered *webauthn.Credential
	asserted   *webauthn.Credential
	loginErr   error
}

func (f *fakeProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return &protocol.CredentialCreation{}, &webauthn.SessionData{UserID: user.WebAuthnID()}, nil
}

func (f *fakeProvider) FinishRegistration(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error) {
	return f.registered, nil
}

func (f *fakeProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{UserID: user.WebAuthnID()}, nil
}

func (f *fakeProvider) FinishLogin(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.asserted, nil
}

func newPasskeys(t *testing.T, provider passkeyProvider) (*Passkeys, *identity.InMemory) {
	t.Helper()
	store := identity.NewInMemory()
	return &Passkeys{
		provider:    provider,
		identities:  store,
		credentials: store,
		cache:       cache.NewMemory(),
	}, store
}

func TestPasskeyRegistration(t *testing.T) {
	ctx := context.Background()
	rawID := []byte{0x01, 0x02, 0x03}
	provider := &fakeProvider{
		registered: &webauthn.Credential{
			ID:            rawID,
			PublicKey:     []byte("pubkey"),
			Authenticator: webauthn.Authenticator{SignCount: 0},
		},
	}
	p, store := newPasskeys(t, provider)
	seeded := seedIdentity(t, store, "ana@example.com", "s3cret-enough")

	opts, sessionID, err := p.BeginRegistration(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if len(opts) == 0 || sessionID == "" {
		t.Fatal("expected options and a session id")
	}

	rec, err := p.FinishRegistration(ctx, sessionID, "YubiKey 5", []byte(`{}`))
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if rec.ID != base64.RawURLEncoding.EncodeToString(rawID) {
		t.Fatalf("unexpected credential id: %s", rec.ID)
	}
	if rec.DeviceLabel != "YubiKey 5" {
		t.Fatalf("unexpected device label: %s", rec.DeviceLabel)
	}

	// The challenge is single-use.
	if _, err := p.FinishRegistration(ctx, sessionID, "", []byte(`{}`)); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("replayed session should expire, got %v", err)
	}
}

func registerPasskey(t *testing.T, store *identity.InMemory, identityID string, rawID []byte, signCount uint32) {
	t.Helper()
	err := store.CreateCredential(context.Background(), &identity.Credential{
		ID:         base64.RawURLEncoding.EncodeToString(rawID),
		IdentityID: identityID,
		PublicKey:  []byte("pubkey"),
		SignCount:  signCount,
	})
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
}

func TestPasskeyLogin(t *testing.T) {
	ctx := context.Background()
	rawID := []byte{0x0a, 0x0b}
	provider := &fakeProvider{
		asserted: &webauthn.Credential{
			ID:            rawID,
			PublicKey:     []byte("pubkey"),
			Authenticator: webauthn.Authenticator{SignCount: 7},
		},
	}
	p, store := newPasskeys(t, provider)
	seeded := seedIdentity(t, store, "ana@example.com", "s3cret-enough")
	registerPasskey(t, store, seeded.ID, rawID, 3)

	_, sessionID, err := p.BeginLogin(ctx, "t1", "ana@example.com")
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	got, err := p.FinishLogin(ctx, sessionID, []byte(`{}`))
	if err != nil {
		t.Fatalf("FinishLogin: %v", err)
	}
	if got.ID != seeded.ID {
		t.Fatalf("unexpected identity: %s", got.ID)
	}

	// The counter advances to the value the authenticator reported.
	rec, err := store.FindCredential(ctx, base64.RawURLEncoding.EncodeToString(rawID))
	if err != nil {
		t.Fatalf("FindCredential: %v", err)
	}
	if rec.SignCount != 7 {
		t.Fatalf("sign count = %d, want 7", rec.SignCount)
	}
}

func TestPasskeyLoginCloneWarning(t *testing.T) {
	ctx := context.Background()
	rawID := []byte{0x0a, 0x0b}
	provider := &fakeProvider{
		asserted: &webauthn.Credential{
			ID:            rawID,
			Authenticator: webauthn.Authenticator{SignCount: 3, CloneWarning: true},
		},
	}
	p, store := newPasskeys(t, provider)
	seeded := seedIdentity(t, store, "ana@example.com", "s3cret-enough")
	registerPasskey(t, store, seeded.ID, rawID, 3)

	_, sessionID, err := p.BeginLogin(ctx, "t1", "ana@example.com")
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	if _, err := p.FinishLogin(ctx, sessionID, []byte(`{}`)); !errors.Is(err, ErrClonedAuthenticator) {
		t.Fatalf("expected ErrClonedAuthenticator, got %v", err)
	}

	// Rejected assertions never advance the stored counter.
	rec, err := store.FindCredential(ctx, base64.RawURLEncoding.EncodeToString(rawID))
	if err != nil {
		t.Fatalf("FindCredential: %v", err)
	}
	if rec.SignCount != 3 {
		t.Fatalf("sign count = %d, want 3", rec.SignCount)
	}
}

func TestPasskeyLoginWithoutCredentials(t *testing.T) {
	p, store := newPasskeys(t, &fakeProvider{})
	seedIdentity(t, store, "ana@example.com", "s3cret-enough")

	if _, _, err := p.BeginLogin(context.Background(), "t1", "ana@example.com"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
