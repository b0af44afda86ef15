package httpapi

import (
	"net/http"
	"strings"
)

// handleTenantScoped serves /v1/tenants/<tenant>/jwks, the public key set
// verifiers use to check access tokens offline.
func (a *API) handleTenantScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/tenants/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "jwks" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	payload, err := a.keys.JWKS(parts[0])
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(payload)
}

// handleKeyRotate retires the caller tenant's current signing key and starts
// signing with a fresh one. The retired key keeps verifying for the overlap
// window.
func (a *API) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	if !a.requirePermission(w, r, p, "keys", "manage") {
		return
	}

	key, err := a.keys.Rotate(p.TenantID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(p.IdentityID, "keys.rotated", "tenant:"+p.TenantID, "notice", map[string]string{
		"tenant": p.TenantID,
		"kid":    key.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"kid":    key.ID,
		"tenant": p.TenantID,
	})
}
