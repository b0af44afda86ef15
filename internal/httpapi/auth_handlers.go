package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/abuse"
	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/credential"
	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/mfa"
	"github.com/madfam-io/plinto-sub006/internal/obs"
	"github.com/madfam-io/plinto-sub006/internal/session"
	"github.com/madfam-io/plinto-sub006/internal/stream"
	"github.com/madfam-io/plinto-sub006/internal/token"
)

const minPasswordLength = 10

type signupRequest struct {
	Tenant   string `json:"tenant"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signinRequest struct {
	Tenant   string `json:"tenant"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type mfaVerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Method      string `json:"method"`
	Code        string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordChangeRequest struct {
	Current string `json:"current"`
	New     string `json:"new"`
}

// signinResponse is returned by every flow that ends in a live session.
type signinResponse struct {
	SessionID  string `json:"session_id"`
	IdentityID string `json:"identity_id"`
	token.TokenPair
}

// challengeResponse tells the client a second factor is still owed.
type challengeResponse struct {
	MFARequired bool           `json:"mfa_required"`
	Challenge   *mfa.Challenge `json:"challenge"`
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenant := strings.TrimSpace(req.Tenant)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if tenant == "" || email == "" || !strings.Contains(email, "@") {
		writeError(w, r, http.StatusBadRequest, "tenant and email are required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, r, http.StatusBadRequest, "password must be at least "+strconv.Itoa(minPasswordLength)+" characters")
		return
	}

	hash, err := credential.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	id := &identity.Identity{
		TenantID:     tenant,
		Email:        email,
		PasswordHash: hash,
		Status:       identity.StatusActive,
	}
	if err := a.identities.Create(r.Context(), id); err != nil {
		if errors.Is(err, identity.ErrConflict) {
			writeError(w, r, http.StatusConflict, "email already registered")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	a.audit(id.ID, "identity.created", "identity:"+id.ID, audit.SeverityInfo, map[string]string{
		"tenant": tenant,
	})
	writeJSON(w, http.StatusCreated, id)
}

func (a *API) handleSignin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenant := strings.TrimSpace(req.Tenant)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if tenant == "" || email == "" {
		writeError(w, r, http.StatusBadRequest, "tenant and email are required")
		return
	}

	key := abuse.Key{Action: "signin", Subject: tenant + ":" + email}
	if !a.checkGuard(w, r, key) {
		obs.SignInsTotal.WithLabelValues("locked_out").Inc()
		return
	}

	id, err := a.verifier.VerifyPassword(r.Context(), tenant, email, req.Password)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidCredentials) {
			a.recordGuardFailure(r.Context(), key)
			obs.SignInsTotal.WithLabelValues("invalid_credentials").Inc()
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.resetGuard(r.Context(), key)

	challenge, err := a.mfa.IssueChallenge(r.Context(), id.ID)
	switch {
	case err == nil:
		obs.SignInsTotal.WithLabelValues("mfa_required").Inc()
		writeJSON(w, http.StatusAccepted, challengeResponse{MFARequired: true, Challenge: challenge})
		return
	case errors.Is(err, mfa.ErrNoFactors):
		// single factor is enough for this identity
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	a.completeSignIn(w, r, id, "password")
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req mfaVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ChallengeID == "" || req.Method == "" || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "challenge_id, method, and code are required")
		return
	}

	key := abuse.Key{Action: "mfa", Subject: req.ChallengeID}
	if !a.checkGuard(w, r, key) {
		return
	}

	identityID, err := a.mfa.VerifyChallenge(r.Context(), req.ChallengeID, req.Method, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrCodeInvalid):
			a.recordGuardFailure(r.Context(), key)
			obs.SignInsTotal.WithLabelValues("mfa_failed").Inc()
			writeError(w, r, http.StatusUnauthorized, "code invalid")
		case errors.Is(err, mfa.ErrChallengeExhausted):
			obs.SignInsTotal.WithLabelValues("mfa_failed").Inc()
			writeError(w, r, http.StatusUnauthorized, "challenge attempts exhausted")
		case errors.Is(err, mfa.ErrChallengeExpired):
			writeError(w, r, http.StatusUnauthorized, "challenge expired")
		case errors.Is(err, mfa.ErrFactorNotFound):
			writeError(w, r, http.StatusUnauthorized, "factor not available")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	id, err := a.identities.Find(r.Context(), identityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.completeSignIn(w, r, id, "password+mfa")
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrReplayed):
			writeError(w, r, http.StatusUnauthorized, "refresh token reused")
		case errors.Is(err, token.ErrRevoked):
			writeError(w, r, http.StatusUnauthorized, "refresh token revoked")
		case errors.Is(err, token.ErrInvalidToken):
			writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleSignout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := a.sessions.Revoke(r.Context(), p.SessionID, session.ReasonSignOut); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSignoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	n, err := a.sessions.RevokeAll(r.Context(), p.IdentityID, p.SessionID, session.ReasonSignOutAll)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req passwordChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.New) < minPasswordLength {
		writeError(w, r, http.StatusBadRequest, "password must be at least "+strconv.Itoa(minPasswordLength)+" characters")
		return
	}

	id, err := a.identities.Find(r.Context(), p.IdentityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if _, err := a.verifier.VerifyPassword(r.Context(), p.TenantID, id.Email, req.Current); err != nil {
		if errors.Is(err, credential.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, "current password incorrect")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	hash, err := credential.HashPassword(req.New)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.identities.UpdatePasswordHash(r.Context(), p.IdentityID, hash); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	// every other device re-authenticates after a password change
	n, err := a.sessions.RevokeAll(r.Context(), p.IdentityID, p.SessionID, session.ReasonPasswordChange)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.auditSync(r.Context(), p.IdentityID, "identity.password_changed", "identity:"+p.IdentityID, audit.SeverityInfo, map[string]string{
		"tenant":           p.TenantID,
		"sessions_revoked": strconv.Itoa(n),
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions_revoked": n})
}

// completeSignIn opens a session, mints the first token pair, and binds the
// refresh family to the session.
func (a *API) completeSignIn(w http.ResponseWriter, r *http.Request, id *identity.Identity, method string) {
	sess, err := a.sessions.Open(r.Context(), id.TenantID, id.ID, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	pair, err := a.tokens.Issue(r.Context(), id.TenantID, id.ID, sess.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.sessions.BindFamily(r.Context(), sess.ID, pair.FamilyID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	obs.SignInsTotal.WithLabelValues("success").Inc()
	a.audit(id.ID, "auth.signin", "session:"+sess.ID, audit.SeverityInfo, map[string]string{
		"tenant": id.TenantID,
		"method": method,
		"ip":     clientIP(r),
	})
	writeJSON(w, http.StatusOK, signinResponse{
		SessionID:  sess.ID,
		IdentityID: id.ID,
		TokenPair:  pair,
	})
}

// checkGuard replies 429 with Retry-After while the key is cooling down.
func (a *API) checkGuard(w http.ResponseWriter, r *http.Request, key abuse.Key) bool {
	if a.guard == nil {
		return true
	}
	cooldown, err := a.guard.Check(r.Context(), key)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return false
	}
	if cooldown > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(cooldown.Seconds())+1))
		writeError(w, r, http.StatusTooManyRequests, "too many attempts, retry later")
		return false
	}
	return true
}

func (a *API) recordGuardFailure(ctx context.Context, key abuse.Key) {
	if a.guard == nil {
		return
	}
	_, _ = a.guard.RecordFailure(ctx, key)
}

func (a *API) resetGuard(ctx context.Context, key abuse.Key) {
	if a.guard == nil {
		return
	}
	_ = a.guard.Reset(ctx, key)
}

// audit enqueues a telemetry record. Only for actions that tolerate the
// batched path; anything whose record must be on the chain before the
// response goes out uses auditSync.
func (a *API) audit(actor, action, target, severity string, metadata map[string]string) {
	if a.ledger != nil {
		a.ledger.Observe(audit.Record{
			Actor:    actor,
			Action:   action,
			Target:   target,
			Severity: severity,
			Metadata: metadata,
		})
	}
	a.publishEvent(actor, action, target, severity, metadata)
}

// auditSync appends a security-critical record synchronously.
func (a *API) auditSync(ctx context.Context, actor, action, target, severity string, metadata map[string]string) error {
	if a.ledger != nil {
		if _, err := a.ledger.Append(ctx, audit.Record{
			Actor:    actor,
			Action:   action,
			Target:   target,
			Severity: severity,
			Metadata: metadata,
		}); err != nil {
			return err
		}
	}
	a.publishEvent(actor, action, target, severity, metadata)
	return nil
}

func (a *API) publishEvent(actor, action, target, severity string, metadata map[string]string) {
	if a.events == nil {
		return
	}
	a.events.Publish(stream.Event{
		Action:   action,
		Actor:    actor,
		Target:   target,
		TenantID: metadata["tenant"],
		Severity: severity,
		At:       time.Now().UTC(),
	})
}
