// Package httpapi is the HTTP surface of the identity core.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/abuse"
	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/credential"
	"github.com/madfam-io/plinto-sub006/internal/federation"
	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/mfa"
	"github.com/madfam-io/plinto-sub006/internal/obs"
	"github.com/madfam-io/plinto-sub006/internal/rbac"
	"github.com/madfam-io/plinto-sub006/internal/session"
	"github.com/madfam-io/plinto-sub006/internal/stream"
	"github.com/madfam-io/plinto-sub006/internal/token"
)

// Pinger is anything whose liveness readiness should check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the dependencies readiness cares about.
type ReadyProbe struct {
	DB    *sql.DB
	Cache Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Cache != nil {
		return rp.Cache.Ping(ctx)
	}
	return nil
}

// Services bundles everything the HTTP layer fronts.
type Services struct {
	Identities  identity.Store
	Credentials identity.CredentialStore
	Factors     identity.FactorStore
	Verifier    *credential.Verifier
	Passkeys    *credential.Passkeys
	MFA         *mfa.Engine
	Tokens      *token.Service
	Keys        *token.Registry
	Sessions    *session.Manager
	Federation  *federation.Handler
	Providers   federation.ProviderStore
	Authz       *rbac.Evaluator
	Ledger      *audit.Ledger
	Events      *stream.Stream
	Guard       *abuse.Guard
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	identities  identity.Store
	credentials identity.CredentialStore
	factors     identity.FactorStore
	verifier    *credential.Verifier
	passkeys    *credential.Passkeys
	mfa         *mfa.Engine
	tokens      *token.Service
	keys        *token.Registry
	sessions    *session.Manager
	federation  *federation.Handler
	providers   federation.ProviderStore
	authz       *rbac.Evaluator
	ledger      *audit.Ledger
	events      *stream.Stream
	guard       *abuse.Guard

	rateBurst  int
	ratePerSec int
}

// SetRateLimit overrides the default per-client burst and refill rate.
func (a *API) SetRateLimit(burst, perSec int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSec > 0 {
		a.ratePerSec = perSec
	}
}

func New(rp ReadyProbe, version string, svcs Services) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,

		identities:  svcs.Identities,
		credentials: svcs.Credentials,
		factors:     svcs.Factors,
		verifier:    svcs.Verifier,
		passkeys:    svcs.Passkeys,
		mfa:         svcs.MFA,
		tokens:      svcs.Tokens,
		keys:        svcs.Keys,
		sessions:    svcs.Sessions,
		federation:  svcs.Federation,
		providers:   svcs.Providers,
		authz:       svcs.Authz,
		ledger:      svcs.Ledger,
		events:      svcs.Events,
		guard:       svcs.Guard,

		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/signup", a.handleSignup)
	a.mux.HandleFunc("/v1/auth/signin", a.handleSignin)
	a.mux.HandleFunc("/v1/auth/mfa/verify", a.handleMFAVerify)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/signout", a.handleSignout)
	a.mux.HandleFunc("/v1/auth/signout-all", a.handleSignoutAll)
	a.mux.HandleFunc("/v1/auth/password", a.handlePasswordChange)

	// MFA enrollment
	a.mux.HandleFunc("/v1/mfa/totp", a.handleEnrollTOTP)
	a.mux.HandleFunc("/v1/mfa/sms", a.handleEnrollSMS)
	a.mux.HandleFunc("/v1/mfa/confirm", a.handleConfirmFactor)
	a.mux.HandleFunc("/v1/mfa/backup-codes", a.handleBackupCodes)
	a.mux.HandleFunc("/v1/mfa/factors", a.handleListFactors)
	a.mux.HandleFunc("/v1/mfa/factors/", a.handleFactorScoped)

	// passkeys
	a.mux.HandleFunc("/v1/passkeys", a.handleListPasskeys)
	a.mux.HandleFunc("/v1/passkeys/", a.handlePasskeyScoped)
	a.mux.HandleFunc("/v1/passkeys/register/begin", a.handlePasskeyRegisterBegin)
	a.mux.HandleFunc("/v1/passkeys/register/finish", a.handlePasskeyRegisterFinish)
	a.mux.HandleFunc("/v1/passkeys/login/begin", a.handlePasskeyLoginBegin)
	a.mux.HandleFunc("/v1/passkeys/login/finish", a.handlePasskeyLoginFinish)

	// sessions
	a.mux.HandleFunc("/v1/sessions", a.handleListSessions)
	a.mux.HandleFunc("/v1/sessions/", a.handleSessionScoped)

	// federation
	a.mux.HandleFunc("/v1/sso/begin", a.handleSSOBegin)
	a.mux.HandleFunc("/v1/sso/providers", a.handleSSOProviders)
	a.mux.HandleFunc("/v1/sso/", a.handleSSOScoped)

	// authorization
	a.mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)
	a.mux.HandleFunc("/v1/authz/grants", a.handleGrants)
	a.mux.HandleFunc("/v1/authz/grants/", a.handleGrantScoped)

	// audit trail
	a.mux.HandleFunc("/v1/audit", a.handleAuditList)
	a.mux.HandleFunc("/v1/audit/verify", a.handleAuditVerify)
	a.mux.HandleFunc("/v1/audit/stream", a.handleAuditStream)

	// signing keys
	a.mux.HandleFunc("/v1/keys/rotate", a.handleKeyRotate)

	// per-tenant JWKS
	a.mux.HandleFunc("/v1/tenants/", a.handleTenantScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "plinto-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "plinto-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
