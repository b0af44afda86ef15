package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/madfam-io/plinto-sub006/internal/session"
	"github.com/madfam-io/plinto-sub006/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

const principalKey ctxKey = 100

// Principal is the verified caller of an authenticated request.
type Principal struct {
	IdentityID string
	TenantID   string
	SessionID  string
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/signup",
	"/v1/auth/signin",
	"/v1/auth/mfa/verify",
	"/v1/auth/refresh",
	"/v1/passkeys/login/begin",
	"/v1/passkeys/login/finish",
	"/v1/sso/begin",
}
var publicPrefixes = []string{
	"/v1/sso/saml/",
	"/v1/sso/oidc/",
	"/v1/tenants/",
}

// withAuth verifies the bearer token and confirms the owning session is
// still alive before the request reaches a protected handler.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.tokens.Verify(r.Context(), raw)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrRevoked):
				writeError(w, r, http.StatusUnauthorized, "token revoked")
			case errors.Is(err, token.ErrInvalidToken), errors.Is(err, token.ErrUnknownKey):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		if a.sessions != nil && claims.SessionID != "" {
			if err := a.sessions.Touch(r.Context(), claims.SessionID); err != nil {
				switch {
				case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrNotFound):
					writeError(w, r, http.StatusUnauthorized, "session revoked")
				default:
					writeError(w, r, http.StatusInternalServerError, "authentication error")
				}
				return
			}
		}

		principal := Principal{
			IdentityID: claims.Subject,
			TenantID:   claims.TenantID,
			SessionID:  claims.SessionID,
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePrincipal pulls the caller off the context, replying 401 when the
// request skipped authentication.
func (a *API) requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return Principal{}, false
	}
	return p, true
}

// requirePermission answers an RBAC check for the caller, replying 403 on
// deny.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, p Principal, resource, action string) bool {
	if a.authz == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return false
	}
	decision, err := a.authz.Authorize(r.Context(), p.TenantID, []string{p.IdentityID}, resource, action)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return false
	}
	if !decision.Allowed {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
