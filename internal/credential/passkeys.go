package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/ids"
)

// PasskeyConfig identifies the relying party for WebAuthn ceremonies.
type PasskeyConfig struct {
	RPID     string
	RPName   string
	RPOrigin string
}

// passkeyProvider is the slice of the webauthn library the verifier uses;
// tests substitute it. Finish methods take the raw client response so the
// provider owns both parsing and validation.
type passkeyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	FinishRegistration(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	FinishLogin(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error)
}

// webauthnProvider adapts *webauthn.WebAuthn to passkeyProvider.
type webauthnProvider struct {
	web *webauthn.WebAuthn
}

func (w webauthnProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return w.web.BeginRegistration(user, opts...)
}

func (w webauthnProvider) FinishRegistration(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return nil, fmt.Errorf("parse creation response: %w", err)
	}
	return w.web.CreateCredential(user, session, parsed)
}

func (w webauthnProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return w.web.BeginLogin(user, opts...)
}

func (w webauthnProvider) FinishLogin(user webauthn.User, session webauthn.SessionData, responseJSON []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return nil, fmt.Errorf("parse assertion response: %w", err)
	}
	return w.web.ValidateLogin(user, session, parsed)
}

// Passkeys drives WebAuthn registration and login ceremonies. Challenge state
// lives in the shared cache, single-use with a short TTL.
type Passkeys struct {
	provider    passkeyProvider
	identities  identity.Store
	credentials identity.CredentialStore
	cache       cache.Cache
}

// NewPasskeys constructs the ceremony driver.
func NewPasskeys(cfg PasskeyConfig, identities identity.Store, credentials identity.CredentialStore, c cache.Cache) (*Passkeys, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPName,
		RPOrigins:     []string{cfg.RPOrigin},
	})
	if err != nil {
		return nil, fmt.Errorf("credential: webauthn config: %w", err)
	}
	return &Passkeys{
		provider:    webauthnProvider{web: web},
		identities:  identities,
		credentials: credentials,
		cache:       c,
	}, nil
}

// webauthnUser adapts an identity plus its stored credentials to the webauthn
// library's user model.
type webauthnUser struct {
	id          *identity.Identity
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte          { return []byte(u.id.ID) }
func (u *webauthnUser) WebAuthnName() string        { return u.id.Email }
func (u *webauthnUser) WebAuthnDisplayName() string { return u.id.Email }
func (u *webauthnUser) WebAuthnIcon() string        { return "" }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (p *Passkeys) loadUser(ctx context.Context, id *identity.Identity) (*webauthnUser, error) {
	records, err := p.credentials.ListCredentials(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(records))
	for _, rec := range records {
		rawID, err := base64.RawURLEncoding.DecodeString(rec.ID)
		if err != nil {
			return nil, fmt.Errorf("decode credential id %s: %w", rec.ID, err)
		}
		creds = append(creds, webauthn.Credential{
			ID:        rawID,
			PublicKey: rec.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: rec.SignCount,
			},
		})
	}
	return &webauthnUser{id: id, credentials: creds}, nil
}

// BeginRegistration issues creation options and stores the challenge.
func (p *Passkeys) BeginRegistration(ctx context.Context, identityID string) (optionsJSON []byte, sessionID string, err error) {
	id, err := p.identities.Find(ctx, identityID)
	if err != nil {
		return nil, "", ErrInvalidCredentials
	}
	user, err := p.loadUser(ctx, id)
	if err != nil {
		return nil, "", err
	}

	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(user.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}

	creation, session, err := p.provider.BeginRegistration(user, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("begin registration: %w", err)
	}

	sessionID = ids.New()
	if err := p.storeSession(ctx, "reg", sessionID, id.ID, session); err != nil {
		return nil, "", err
	}
	optionsJSON, err = json.Marshal(creation)
	if err != nil {
		return nil, "", err
	}
	return optionsJSON, sessionID, nil
}

// FinishRegistration validates the attestation response and stores the new
// credential record.
func (p *Passkeys) FinishRegistration(ctx context.Context, sessionID, deviceLabel string, responseJSON []byte) (*identity.Credential, error) {
	identityID, session, err := p.takeSession(ctx, "reg", sessionID)
	if err != nil {
		return nil, err
	}
	id, err := p.identities.Find(ctx, identityID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	user, err := p.loadUser(ctx, id)
	if err != nil {
		return nil, err
	}

	cred, err := p.provider.FinishRegistration(user, *session, responseJSON)
	if err != nil {
		return nil, fmt.Errorf("validate creation response: %w", err)
	}

	rec := &identity.Credential{
		ID:          base64.RawURLEncoding.EncodeToString(cred.ID),
		IdentityID:  id.ID,
		PublicKey:   cred.PublicKey,
		SignCount:   cred.Authenticator.SignCount,
		DeviceLabel: strings.TrimSpace(deviceLabel),
	}
	if err := p.credentials.CreateCredential(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// BeginLogin issues assertion options for an identity located by email.
func (p *Passkeys) BeginLogin(ctx context.Context, tenantID, email string) (optionsJSON []byte, sessionID string, err error) {
	id, err := p.identities.FindByEmail(ctx, tenantID, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		return nil, "", ErrInvalidCredentials
	}
	if id.Status != identity.StatusActive {
		return nil, "", ErrInvalidCredentials
	}
	user, err := p.loadUser(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if len(user.credentials) == 0 {
		return nil, "", ErrInvalidCredentials
	}

	assertion, session, err := p.provider.BeginLogin(user)
	if err != nil {
		return nil, "", fmt.Errorf("begin login: %w", err)
	}

	sessionID = ids.New()
	if err := p.storeSession(ctx, "login", sessionID, id.ID, session); err != nil {
		return nil, "", err
	}
	optionsJSON, err = json.Marshal(assertion)
	if err != nil {
		return nil, "", err
	}
	return optionsJSON, sessionID, nil
}

// FinishLogin validates the assertion. The signature counter must advance
// strictly; a non-increasing counter is treated as a cloned authenticator and
// the stored counter is left untouched.
func (p *Passkeys) FinishLogin(ctx context.Context, sessionID string, responseJSON []byte) (*identity.Identity, error) {
	identityID, session, err := p.takeSession(ctx, "login", sessionID)
	if err != nil {
		return nil, err
	}
	id, err := p.identities.Find(ctx, identityID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	user, err := p.loadUser(ctx, id)
	if err != nil {
		return nil, err
	}

	cred, err := p.provider.FinishLogin(user, *session, responseJSON)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if cred.Authenticator.CloneWarning {
		return nil, ErrClonedAuthenticator
	}

	credentialID := base64.RawURLEncoding.EncodeToString(cred.ID)
	if err := p.credentials.UpdateSignCount(ctx, credentialID, cred.Authenticator.SignCount); err != nil {
		return nil, err
	}
	return id, nil
}

type storedSession struct {
	IdentityID string               `json:"identity_id"`
	Session    webauthn.SessionData `json:"session"`
}

func (p *Passkeys) storeSession(ctx context.Context, kind, sessionID, identityID string, session *webauthn.SessionData) error {
	if session == nil {
		return errors.New("credential: session data is required")
	}
	payload, err := json.Marshal(storedSession{IdentityID: identityID, Session: *session})
	if err != nil {
		return err
	}
	return p.cache.Set(ctx, "passkey:"+kind+":"+sessionID, string(payload), defaultChallengeTTL)
}

// takeSession consumes the challenge: a second attempt with the same session
// id always fails.
func (p *Passkeys) takeSession(ctx context.Context, kind, sessionID string) (string, *webauthn.SessionData, error) {
	raw, err := p.cache.GetDel(ctx, "passkey:"+kind+":"+sessionID)
	if errors.Is(err, cache.ErrMiss) {
		return "", nil, ErrChallengeExpired
	}
	if err != nil {
		return "", nil, err
	}
	var stored storedSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return "", nil, err
	}
	return stored.IdentityID, &stored.Session, nil
}
