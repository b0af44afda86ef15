package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/rbac"
)

type authzCheckRequest struct {
	SubjectIDs []string `json:"subject_ids"`
	Resource   string   `json:"resource"`
	Action     string   `json:"action"`
}

type createGrantRequest struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
	Effect    string `json:"effect"`
	Resource  string `json:"resource"`
	Action    string `json:"action"`
}

func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// callers may only ask about themselves unless they manage grants
	subjects := req.SubjectIDs
	if len(subjects) == 0 {
		subjects = []string{p.IdentityID}
	} else if len(subjects) != 1 || subjects[0] != p.IdentityID {
		if !a.requirePermission(w, r, p, "authz:grants", "manage") {
			return
		}
	}

	decision, err := a.authz.Authorize(r.Context(), p.TenantID, subjects, req.Resource, req.Action)
	if err != nil {
		if errors.Is(err, rbac.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, "resource and action are required")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":       decision.Allowed,
		"matched_grant": decision.MatchedGrant,
	})
}

func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	if !a.requirePermission(w, r, p, "authz:grants", "manage") {
		return
	}
	var req createGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	grant, err := a.authz.Grant(r.Context(), rbac.Grant{
		TenantID:  p.TenantID,
		SubjectID: req.SubjectID,
		Role:      req.Role,
		Effect:    req.Effect,
		Resource:  req.Resource,
		Action:    req.Action,
	})
	if err != nil {
		if errors.Is(err, rbac.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.auditSync(r.Context(), p.IdentityID, "rbac.grant.created", "grant:"+grant.ID, audit.SeverityInfo, map[string]string{
		"tenant":   p.TenantID,
		"subject":  grant.SubjectID,
		"effect":   grant.Effect,
		"resource": grant.Resource,
		"action":   grant.Action,
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) handleGrantScoped(w http.ResponseWriter, r *http.Request) {
	grantID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/authz/grants/"), "/")
	if grantID == "" || strings.Contains(grantID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	if !a.requirePermission(w, r, p, "authz:grants", "manage") {
		return
	}
	if err := a.authz.Revoke(r.Context(), grantID); err != nil {
		if errors.Is(err, rbac.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.auditSync(r.Context(), p.IdentityID, "rbac.grant.revoked", "grant:"+grantID, audit.SeverityInfo, map[string]string{
		"tenant": p.TenantID,
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
