package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/abuse"
	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/credential"
	"github.com/madfam-io/plinto-sub006/internal/federation"
	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/mfa"
	"github.com/madfam-io/plinto-sub006/internal/notify"
	"github.com/madfam-io/plinto-sub006/internal/rbac"
	"github.com/madfam-io/plinto-sub006/internal/session"
	"github.com/madfam-io/plinto-sub006/internal/stream"
	"github.com/madfam-io/plinto-sub006/internal/token"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testEnv struct {
	*apiClient

	identities *identity.InMemory
	grants     *rbac.InMemory
	providers  *federation.InMemoryProviders
	sessions   *session.Manager
	recorder   *notify.Recorder
	ledger     *audit.Ledger
	events     *stream.Stream
}

func newTestAPI(t *testing.T) *testEnv {
	t.Helper()

	c := cache.NewMemory()
	identities := identity.NewInMemory()
	ledger, err := audit.NewLedger(audit.NewInMemory())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	t.Cleanup(ledger.Close)

	verifier, err := credential.NewVerifier(identities, identities, c)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	passkeys, err := credential.NewPasskeys(credential.PasskeyConfig{
		RPID:     "localhost",
		RPName:   "Plinto",
		RPOrigin: "http://localhost:8080",
	}, identities, identities, c)
	if err != nil {
		t.Fatalf("NewPasskeys: %v", err)
	}
	recorder := &notify.Recorder{}
	engine, err := mfa.NewEngine(identities, c, recorder, "Plinto")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	registry := token.NewRegistry()
	var sessions *session.Manager
	tokens, err := token.NewService(token.NewInMemory(), registry, c, ledger,
		token.WithIssuer("plinto"),
		token.WithAudience("plinto-api"),
		token.WithRevokeHook(func(ctx context.Context, tenantID, sessionID string) {
			if sessions != nil {
				_ = sessions.Revoke(ctx, sessionID, session.ReasonTokenReplay)
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	sessions, err = session.NewManager(session.NewInMemory(), tokens, ledger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	grants := rbac.NewInMemory()
	authz, err := rbac.NewEvaluator(grants)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	providers := federation.NewInMemoryProviders()
	fed, err := federation.NewHandler(providers, identities, grants, c, ledger, "http://localhost:8080")
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	guard, err := abuse.NewGuard(c, ledger, abuse.Config{
		Window:    time.Minute,
		Threshold: 5,
		Cooldown:  time.Minute,
	})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	events := stream.New()
	api := New(ReadyProbe{}, "test", Services{
		Identities:  identities,
		Credentials: identities,
		Factors:     identities,
		Verifier:    verifier,
		Passkeys:    passkeys,
		MFA:         engine,
		Tokens:      tokens,
		Keys:        registry,
		Sessions:    sessions,
		Federation:  fed,
		Providers:   providers,
		Authz:       authz,
		Ledger:      ledger,
		Events:      events,
		Guard:       guard,
	})
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		apiClient: &apiClient{
			baseURL: srv.URL,
			client:  srv.Client(),
			t:       t,
		},
		identities: identities,
		grants:     grants,
		providers:  providers,
		sessions:   sessions,
		recorder:   recorder,
		ledger:     ledger,
		events:     events,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) delete(path string, headers map[string]string) *http.Response {
	return c.do(http.MethodDelete, path, nil, headers)
}

func (c *apiClient) decode(resp *http.Response, dst any) {
	c.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		c.t.Fatalf("decode response: %v", err)
	}
}

func (c *apiClient) wantStatus(resp *http.Response, want int) {
	c.t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.t.Fatalf("status = %d, want %d (body: %s)", resp.StatusCode, want, body)
	}
}

func bearerHeader(accessToken string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + accessToken}
}

// signup registers an identity and returns its id.
func (c *apiClient) signup(tenant, email, password string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/signup", signupRequest{Tenant: tenant, Email: email, Password: password}, nil)
	c.wantStatus(resp, http.StatusCreated)
	var id identity.Identity
	c.decode(resp, &id)
	return id.ID
}

// signin completes the password flow for an identity without second factors.
func (c *apiClient) signin(tenant, email, password string) signinResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/signin", signinRequest{Tenant: tenant, Email: email, Password: password}, nil)
	c.wantStatus(resp, http.StatusOK)
	var out signinResponse
	c.decode(resp, &out)
	return out
}

// totpCodeAt mirrors RFC 6238 for test inputs.
func totpCodeAt(secret string, at time.Time) string {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		panic(err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(at.Unix()/30))
	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	off := sum[len(sum)-1] & 0x0f
	code := (binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff) % 1_000_000
	return fmt.Sprintf("%06d", code)
}

func TestHealthReadyInfo(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/healthz", nil, nil)
	env.wantStatus(resp, http.StatusOK)
	var health map[string]any
	env.decode(resp, &health)
	if health["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	resp = env.get("/readyz", nil, nil)
	env.wantStatus(resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get("/v1/info", nil, nil)
	env.wantStatus(resp, http.StatusOK)
	var info map[string]any
	env.decode(resp, &info)
	if info["name"] != "plinto-api" {
		t.Fatalf("unexpected info payload: %v", info)
	}
}

func TestSignupValidation(t *testing.T) {
	env := newTestAPI(t)

	resp := env.post("/v1/auth/signup", signupRequest{Tenant: "t1", Email: "ana@example.com", Password: "short"}, nil)
	env.wantStatus(resp, http.StatusBadRequest)
	resp.Body.Close()

	env.signup("t1", "ana@example.com", "a-long-enough-password")

	resp = env.post("/v1/auth/signup", signupRequest{Tenant: "t1", Email: "ANA@example.com", Password: "a-long-enough-password"}, nil)
	env.wantStatus(resp, http.StatusConflict)
	resp.Body.Close()
}

func TestSigninAndRefresh(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")

	out := env.signin("t1", "ana@example.com", "a-long-enough-password")
	if out.AccessToken == "" || out.RefreshToken == "" || out.SessionID == "" {
		t.Fatalf("incomplete signin response: %+v", out)
	}

	// the access token opens protected endpoints
	resp := env.get("/v1/sessions", nil, bearerHeader(out.AccessToken))
	env.wantStatus(resp, http.StatusOK)
	var listed struct {
		Sessions []session.Session `json:"sessions"`
		Current  string            `json:"current"`
	}
	env.decode(resp, &listed)
	if len(listed.Sessions) != 1 || listed.Current != out.SessionID {
		t.Fatalf("unexpected session list: %+v", listed)
	}

	// rotation hands back a fresh pair
	resp = env.post("/v1/auth/refresh", refreshRequest{RefreshToken: out.RefreshToken}, nil)
	env.wantStatus(resp, http.StatusOK)
	var rotated token.TokenPair
	env.decode(resp, &rotated)
	if rotated.RefreshToken == out.RefreshToken {
		t.Fatal("refresh token did not rotate")
	}
	if rotated.AccessToken == "" {
		t.Fatal("rotated pair is missing an access token")
	}
}

func TestSigninInvalidCredentials(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")

	resp := env.post("/v1/auth/signin", signinRequest{Tenant: "t1", Email: "ana@example.com", Password: "wrong-password"}, nil)
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	// unknown identity answers identically
	resp = env.post("/v1/auth/signin", signinRequest{Tenant: "t1", Email: "ghost@example.com", Password: "wrong-password"}, nil)
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestSigninLockout(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")

	for i := 0; i < 6; i++ {
		resp := env.post("/v1/auth/signin", signinRequest{Tenant: "t1", Email: "ana@example.com", Password: "wrong-password"}, nil)
		env.wantStatus(resp, http.StatusUnauthorized)
		resp.Body.Close()
	}

	// the guard now rejects even the right password
	resp := env.post("/v1/auth/signin", signinRequest{Tenant: "t1", Email: "ana@example.com", Password: "a-long-enough-password"}, nil)
	env.wantStatus(resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("lockout reply is missing Retry-After")
	}
	resp.Body.Close()
}

func TestRefreshReplayRevokesFamilyAndSession(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")
	out := env.signin("t1", "ana@example.com", "a-long-enough-password")

	resp := env.post("/v1/auth/refresh", refreshRequest{RefreshToken: out.RefreshToken}, nil)
	env.wantStatus(resp, http.StatusOK)
	var rotated token.TokenPair
	env.decode(resp, &rotated)

	// replaying the consumed token trips theft detection
	resp = env.post("/v1/auth/refresh", refreshRequest{RefreshToken: out.RefreshToken}, nil)
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	// the whole family is dead, including the legitimately rotated token
	resp = env.post("/v1/auth/refresh", refreshRequest{RefreshToken: rotated.RefreshToken}, nil)
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	// live access tokens from the family are deny-listed
	resp = env.get("/v1/sessions", nil, bearerHeader(rotated.AccessToken))
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	// the owning session was closed with the replay reason
	sess, err := env.sessions.Find(context.Background(), out.SessionID)
	if err != nil {
		t.Fatalf("Find session: %v", err)
	}
	if sess.RevokedAt.IsZero() || sess.RevokeReason != session.ReasonTokenReplay {
		t.Fatalf("session not closed for replay: %+v", sess)
	}
}

func TestSignoutThenRefreshIsNotTheft(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")
	out := env.signin("t1", "ana@example.com", "a-long-enough-password")

	resp := env.post("/v1/auth/signout", nil, bearerHeader(out.AccessToken))
	env.wantStatus(resp, http.StatusNoContent)
	resp.Body.Close()

	// the dead refresh token is refused, but not mistaken for theft
	resp = env.post("/v1/auth/refresh", refreshRequest{RefreshToken: out.RefreshToken}, nil)
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	records, err := env.ledger.Query(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, rec := range records {
		if rec.Action == "token.replay_detected" {
			t.Fatal("sign-out followed by refresh produced a replay record")
		}
	}

	// the session keeps its sign-out reason
	sess, err := env.sessions.Find(context.Background(), out.SessionID)
	if err != nil {
		t.Fatalf("Find session: %v", err)
	}
	if sess.RevokeReason != session.ReasonSignOut {
		t.Fatalf("revoke reason = %q, want %q", sess.RevokeReason, session.ReasonSignOut)
	}
}

func TestTOTPEnrollmentAndChallenge(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")
	out := env.signin("t1", "ana@example.com", "a-long-enough-password")
	auth := bearerHeader(out.AccessToken)

	resp := env.post("/v1/mfa/totp", enrollTOTPRequest{}, auth)
	env.wantStatus(resp, http.StatusCreated)
	var enrollment enrollmentResponse
	env.decode(resp, &enrollment)
	if enrollment.Secret == "" || enrollment.OTPAuthURL == "" {
		t.Fatalf("incomplete enrollment: %+v", enrollment)
	}
	if enrollment.Factor.Enabled {
		t.Fatal("factor must stay disabled until confirmed")
	}

	resp = env.post("/v1/mfa/confirm", confirmFactorRequest{
		FactorID: enrollment.Factor.ID,
		Code:     totpCodeAt(enrollment.Secret, time.Now()),
	}, auth)
	env.wantStatus(resp, http.StatusOK)
	resp.Body.Close()

	// the next password sign-in owes a second factor
	resp = env.post("/v1/auth/signin", signinRequest{Tenant: "t1", Email: "ana@example.com", Password: "a-long-enough-password"}, nil)
	env.wantStatus(resp, http.StatusAccepted)
	var challenge challengeResponse
	env.decode(resp, &challenge)
	if !challenge.MFARequired || challenge.Challenge == nil {
		t.Fatalf("expected a challenge, got %+v", challenge)
	}

	// a wrong code is rejected without voiding the challenge
	resp = env.post("/v1/auth/mfa/verify", mfaVerifyRequest{
		ChallengeID: challenge.Challenge.ID,
		Method:      "totp",
		Code:        "000000",
	}, nil)
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	// the confirm step already burned the current code; the next step's code
	// is still inside the accepted skew
	resp = env.post("/v1/auth/mfa/verify", mfaVerifyRequest{
		ChallengeID: challenge.Challenge.ID,
		Method:      "totp",
		Code:        totpCodeAt(enrollment.Secret, time.Now().Add(30*time.Second)),
	}, nil)
	env.wantStatus(resp, http.StatusOK)
	var stepped signinResponse
	env.decode(resp, &stepped)
	if stepped.AccessToken == "" || stepped.SessionID == "" {
		t.Fatalf("incomplete mfa signin response: %+v", stepped)
	}
}

func TestSignoutAndSignoutAll(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")
	first := env.signin("t1", "ana@example.com", "a-long-enough-password")
	second := env.signin("t1", "ana@example.com", "a-long-enough-password")
	third := env.signin("t1", "ana@example.com", "a-long-enough-password")

	resp := env.post("/v1/auth/signout", nil, bearerHeader(first.AccessToken))
	env.wantStatus(resp, http.StatusNoContent)
	resp.Body.Close()

	// the signed-out session no longer authenticates
	resp = env.get("/v1/sessions", nil, bearerHeader(first.AccessToken))
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	// sign out everywhere else, sparing the caller
	resp = env.post("/v1/auth/signout-all", nil, bearerHeader(second.AccessToken))
	env.wantStatus(resp, http.StatusOK)
	var revoked map[string]int
	env.decode(resp, &revoked)
	if revoked["revoked"] != 1 {
		t.Fatalf("revoked = %d, want 1", revoked["revoked"])
	}

	resp = env.get("/v1/sessions", nil, bearerHeader(second.AccessToken))
	env.wantStatus(resp, http.StatusOK)
	resp.Body.Close()
	resp = env.get("/v1/sessions", nil, bearerHeader(third.AccessToken))
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestRevokeSingleSession(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")
	laptop := env.signin("t1", "ana@example.com", "a-long-enough-password")
	phone := env.signin("t1", "ana@example.com", "a-long-enough-password")

	resp := env.delete("/v1/sessions/"+phone.SessionID, bearerHeader(laptop.AccessToken))
	env.wantStatus(resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.get("/v1/sessions", nil, bearerHeader(phone.AccessToken))
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	// a session of someone else reads as absent
	env.signup("t1", "bob@example.com", "another-long-password")
	bob := env.signin("t1", "bob@example.com", "another-long-password")
	resp = env.delete("/v1/sessions/"+laptop.SessionID, bearerHeader(bob.AccessToken))
	env.wantStatus(resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestPasswordChangeRevokesOtherSessions(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")
	current := env.signin("t1", "ana@example.com", "a-long-enough-password")
	other := env.signin("t1", "ana@example.com", "a-long-enough-password")

	resp := env.post("/v1/auth/password", passwordChangeRequest{
		Current: "wrong-password",
		New:     "a-brand-new-password",
	}, bearerHeader(current.AccessToken))
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.post("/v1/auth/password", passwordChangeRequest{
		Current: "a-long-enough-password",
		New:     "a-brand-new-password",
	}, bearerHeader(current.AccessToken))
	env.wantStatus(resp, http.StatusOK)
	resp.Body.Close()

	// the other device is signed out, the caller stays
	resp = env.get("/v1/sessions", nil, bearerHeader(other.AccessToken))
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()
	resp = env.get("/v1/sessions", nil, bearerHeader(current.AccessToken))
	env.wantStatus(resp, http.StatusOK)
	resp.Body.Close()

	// only the new password signs in
	resp = env.post("/v1/auth/signin", signinRequest{Tenant: "t1", Email: "ana@example.com", Password: "a-long-enough-password"}, nil)
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()
	env.signin("t1", "ana@example.com", "a-brand-new-password")

	// the change is on the audit chain before the response, not queued
	records, err := env.ledger.Query(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.Action == "identity.password_changed" {
			found = true
		}
	}
	if !found {
		t.Fatal("identity.password_changed record not on the chain")
	}
}

func TestJWKSEndpoint(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "ana@example.com", "a-long-enough-password")
	env.signin("t1", "ana@example.com", "a-long-enough-password")

	resp := env.get("/v1/tenants/t1/jwks", nil, nil)
	env.wantStatus(resp, http.StatusOK)
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	env.decode(resp, &jwks)
	if len(jwks.Keys) == 0 {
		t.Fatal("jwks has no keys after a signin minted tokens")
	}
	if jwks.Keys[0]["kty"] != "RSA" {
		t.Fatalf("unexpected key type: %v", jwks.Keys[0])
	}
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/v1/sessions", nil, nil)
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.post("/v1/mfa/totp", enrollTOTPRequest{}, map[string]string{"Authorization": "Bearer garbage"})
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.get("/v1/sessions", nil, map[string]string{"Authorization": "Token abc"})
	env.wantStatus(resp, http.StatusUnauthorized)
	resp.Body.Close()
}
