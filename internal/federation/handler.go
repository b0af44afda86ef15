package federation

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/ids"
	"github.com/madfam-io/plinto-sub006/internal/rbac"
)

const (
	defaultStateTTL = 10 * time.Minute
	// assertionGuardTTL backstops assertions without a NotOnOrAfter.
	assertionGuardTTL = 5 * time.Minute
)

// flowState is the cached half of an in-flight SSO round trip. It is
// single-use: completing or replaying the flow consumes it.
type flowState struct {
	TenantID   string `json:"tenant_id"`
	ProviderID string `json:"provider_id"`
	Nonce      string `json:"nonce"`
	ReturnTo   string `json:"return_to,omitempty"`
}

// Handler runs the SSO flows.
type Handler struct {
	providers  ProviderStore
	identities identity.Store
	grants     rbac.Store
	cache      cache.Cache
	ledger     *audit.Ledger
	jwks       *jwksCache
	baseURL    string
	spKey      *rsa.PrivateKey
	spCert     *x509.Certificate
	stateTTL   time.Duration
	now        func() time.Time
	// samlFor builds the asserter for a provider; tests substitute it.
	samlFor func(p *Provider) (samlAsserter, error)
}

// Option configures the Handler.
type Option func(*Handler)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(h *Handler) {
		if fn != nil {
			h.now = fn
		}
	}
}

// WithStateTTL overrides how long a started flow may take.
func WithStateTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		if ttl > 0 {
			h.stateTTL = ttl
		}
	}
}

// WithHTTPClient sets the client used for JWKS fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Handler) {
		h.jwks = newJWKSCache(client, h.now)
	}
}

// WithServiceProviderKeys sets the key pair used to sign SAML requests.
func WithServiceProviderKeys(key *rsa.PrivateKey, cert *x509.Certificate) Option {
	return func(h *Handler) {
		h.spKey = key
		h.spCert = cert
	}
}

// NewHandler constructs the Handler. baseURL is this service's externally
// visible origin; SAML ACS and metadata URLs derive from it.
func NewHandler(providers ProviderStore, identities identity.Store, grants rbac.Store, c cache.Cache, ledger *audit.Ledger, baseURL string, opts ...Option) (*Handler, error) {
	if providers == nil || identities == nil || grants == nil || c == nil || ledger == nil {
		return nil, errors.New("federation: providers, identities, grants, cache, and ledger are required")
	}
	h := &Handler{
		providers:  providers,
		identities: identities,
		grants:     grants,
		cache:      c,
		ledger:     ledger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		stateTTL:   defaultStateTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.jwks == nil {
		h.jwks = newJWKSCache(nil, h.now)
	}
	if h.samlFor == nil {
		h.samlFor = func(p *Provider) (samlAsserter, error) {
			return newSAMLProvider(p, h.baseURL, h.spKey, h.spCert)
		}
	}
	return h, nil
}

// Begin starts an SSO flow and returns where to send the browser plus the
// state id the completion leg must present.
func (h *Handler) Begin(ctx context.Context, tenantID, providerID, returnTo string) (redirectURL, stateID string, err error) {
	p, err := h.findEnabled(ctx, tenantID, providerID)
	if err != nil {
		return "", "", err
	}

	stateID = ids.New()
	state := flowState{
		TenantID:   tenantID,
		ProviderID: providerID,
		Nonce:      ids.New(),
		ReturnTo:   returnTo,
	}
	if err := h.storeState(ctx, stateID, state); err != nil {
		return "", "", err
	}

	switch p.Type {
	case TypeSAML:
		asserter, err := h.samlFor(p)
		if err != nil {
			return "", "", err
		}
		redirectURL, err = asserter.LoginURL(stateID)
		if err != nil {
			return "", "", err
		}
	case TypeOIDC:
		q := url.Values{}
		q.Set("response_type", "id_token")
		q.Set("client_id", p.ClientID)
		q.Set("redirect_uri", h.baseURL+"/v1/sso/oidc/"+p.ID+"/callback")
		q.Set("scope", "openid email")
		q.Set("state", stateID)
		q.Set("nonce", state.Nonce)
		redirectURL = p.AuthorizeURL + "?" + q.Encode()
	default:
		return "", "", ErrProviderNotFound
	}
	return redirectURL, stateID, nil
}

// CompleteSAML consumes the ACS POST. The tenant comes from the flow state
// carried in RelayState, and the assertion id is remembered until its
// validity window closes so a captured response cannot sign in twice.
func (h *Handler) CompleteSAML(ctx context.Context, providerID string, req *http.Request) (*identity.Identity, error) {
	state, err := h.takeState(ctx, req.PostFormValue("RelayState"), providerID)
	if err != nil {
		return nil, err
	}
	p, err := h.findEnabled(ctx, state.TenantID, providerID)
	if err != nil {
		return nil, err
	}

	asserter, err := h.samlFor(p)
	if err != nil {
		return nil, err
	}
	assertion, err := asserter.ParseResponse(req, nil)
	if err != nil {
		return nil, ErrAssertionInvalid
	}

	guardTTL := assertionGuardTTL
	if c := assertion.Conditions; c != nil && !c.NotOnOrAfter.IsZero() {
		if remaining := c.NotOnOrAfter.Sub(h.now()); remaining > guardTTL {
			guardTTL = remaining
		}
	}
	fresh, err := h.cache.SetNX(ctx, "fed:saml:"+assertion.ID, "1", guardTTL)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, ErrAssertionReplayed
	}

	return h.resolve(ctx, p, assertionEmail(assertion))
}

// oidcClaims is the id-token subset the handler reads.
type oidcClaims struct {
	Email string `json:"email"`
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// CompleteOIDC validates the id-token handed back by the provider. The
// tenant comes from the flow state referenced by stateID.
func (h *Handler) CompleteOIDC(ctx context.Context, providerID, stateID, rawIDToken string) (*identity.Identity, error) {
	state, err := h.takeState(ctx, stateID, providerID)
	if err != nil {
		return nil, err
	}
	p, err := h.findEnabled(ctx, state.TenantID, providerID)
	if err != nil {
		return nil, err
	}

	claims := &oidcClaims{}
	parsed, err := jwt.ParseWithClaims(rawIDToken, claims, h.jwks.Keyfunc(p.JWKSURL),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(p.Issuer),
		jwt.WithAudience(p.ClientID),
		jwt.WithTimeFunc(h.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrAssertionInvalid
	}
	if claims.Nonce == "" || claims.Nonce != state.Nonce {
		return nil, ErrAssertionInvalid
	}

	return h.resolve(ctx, p, claims.Email)
}

func (h *Handler) findEnabled(ctx context.Context, tenantID, providerID string) (*Provider, error) {
	p, err := h.providers.FindProvider(ctx, tenantID, providerID)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, ErrProviderDisabled
	}
	return p, nil
}

// resolve maps the asserted email to a local identity, provisioning one when
// the provider allows it.
func (h *Handler) resolve(ctx context.Context, p *Provider, email string) (*identity.Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, ErrAssertionInvalid
	}

	id, err := h.identities.FindByEmail(ctx, p.TenantID, email)
	switch {
	case err == nil:
		if id.Status != identity.StatusActive {
			return nil, ErrIdentityUnknown
		}
		return id, nil
	case errors.Is(err, identity.ErrNotFound):
		if !p.AllowJIT {
			return nil, ErrIdentityUnknown
		}
	default:
		return nil, err
	}

	id = &identity.Identity{
		TenantID: p.TenantID,
		Email:    email,
		Status:   identity.StatusActive,
	}
	if err := h.identities.Create(ctx, id); err != nil {
		// Lost a race with a concurrent first sign-in; use the winner.
		if errors.Is(err, identity.ErrConflict) {
			return h.identities.FindByEmail(ctx, p.TenantID, email)
		}
		return nil, err
	}
	if p.DefaultRole != "" {
		grant := &rbac.Grant{
			ID:        ids.New(),
			TenantID:  p.TenantID,
			SubjectID: id.ID,
			Role:      p.DefaultRole,
			Effect:    rbac.EffectAllow,
			Resource:  "profile:" + id.ID,
			Action:    "*",
		}
		if err := h.grants.CreateGrant(ctx, grant); err != nil {
			return nil, err
		}
	}
	_, err = h.ledger.Append(ctx, audit.Record{
		Actor:  id.ID,
		Action: "federation.jit_provisioned",
		Target: "provider:" + p.ID,
		Metadata: map[string]string{
			"tenant_id": p.TenantID,
			"email":     email,
		},
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (h *Handler) storeState(ctx context.Context, stateID string, state flowState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return h.cache.Set(ctx, "fed:state:"+stateID, string(payload), h.stateTTL)
}

// takeState consumes the flow state; a second completion with the same state
// always fails.
func (h *Handler) takeState(ctx context.Context, stateID, providerID string) (*flowState, error) {
	if stateID == "" {
		return nil, ErrStateExpired
	}
	raw, err := h.cache.GetDel(ctx, "fed:state:"+stateID)
	if errors.Is(err, cache.ErrMiss) {
		return nil, ErrStateExpired
	}
	if err != nil {
		return nil, err
	}
	var state flowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	if state.ProviderID != providerID {
		return nil, ErrStateExpired
	}
	return &state, nil
}
