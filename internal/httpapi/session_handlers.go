package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/madfam-io/plinto-sub006/internal/ids"
	"github.com/madfam-io/plinto-sub006/internal/session"
)

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	sessions, err := a.sessions.List(r.Context(), p.IdentityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"current":  p.SessionID,
	})
}

func (a *API) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if sessionID == "" || strings.Contains(sessionID, "/") || !ids.Valid(sessionID) {
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

	sess, err := a.sessions.Find(r.Context(), sessionID)
	if err != nil || sess.IdentityID != p.IdentityID {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err := a.sessions.Revoke(r.Context(), sessionID, session.ReasonSignOut); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
