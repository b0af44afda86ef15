package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/credential"
)

type passkeyOptionsResponse struct {
	Options   json.RawMessage `json:"options"`
	SessionID string          `json:"session_id"`
}

type passkeyRegisterFinishRequest struct {
	SessionID   string          `json:"session_id"`
	DeviceLabel string          `json:"device_label"`
	Response    json.RawMessage `json:"response"`
}

type passkeyLoginBeginRequest struct {
	Tenant string `json:"tenant"`
	Email  string `json:"email"`
}

type passkeyLoginFinishRequest struct {
	SessionID string          `json:"session_id"`
	Response  json.RawMessage `json:"response"`
}

func (a *API) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	options, sessionID, err := a.passkeys.BeginRegistration(r.Context(), p.IdentityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, passkeyOptionsResponse{Options: options, SessionID: sessionID})
}

func (a *API) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req passkeyRegisterFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" || len(req.Response) == 0 {
		writeError(w, r, http.StatusBadRequest, "session_id and response are required")
		return
	}

	cred, err := a.passkeys.FinishRegistration(r.Context(), req.SessionID, req.DeviceLabel, req.Response)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrChallengeExpired):
			writeError(w, r, http.StatusUnauthorized, "registration challenge expired")
		case errors.Is(err, credential.ErrInvalidCredentials):
			writeError(w, r, http.StatusBadRequest, "attestation rejected")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	a.audit(p.IdentityID, "passkey.registered", "credential:"+cred.ID, audit.SeverityInfo, map[string]string{
		"tenant": p.TenantID,
		"label":  cred.DeviceLabel,
	})
	writeJSON(w, http.StatusCreated, cred)
}

func (a *API) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req passkeyLoginBeginRequest
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

	options, sessionID, err := a.passkeys.BeginLogin(r.Context(), tenant, email)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, passkeyOptionsResponse{Options: options, SessionID: sessionID})
}

func (a *API) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req passkeyLoginFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" || len(req.Response) == 0 {
		writeError(w, r, http.StatusBadRequest, "session_id and response are required")
		return
	}

	id, err := a.passkeys.FinishLogin(r.Context(), req.SessionID, req.Response)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrChallengeExpired):
			writeError(w, r, http.StatusUnauthorized, "login challenge expired")
		case errors.Is(err, credential.ErrClonedAuthenticator):
			writeError(w, r, http.StatusUnauthorized, "credential rejected")
		case errors.Is(err, credential.ErrInvalidCredentials):
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	// a passkey assertion is user-verified; no second factor owed
	a.completeSignIn(w, r, id, "passkey")
}

func (a *API) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	creds, err := a.credentials.ListCredentials(r.Context(), p.IdentityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

func (a *API) handlePasskeyScoped(w http.ResponseWriter, r *http.Request) {
	credentialID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/passkeys/"), "/")
	if credentialID == "" || strings.Contains(credentialID, "/") {
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
	cred, err := a.credentials.FindCredential(r.Context(), credentialID)
	if err != nil || cred.IdentityID != p.IdentityID {
		writeError(w, r, http.StatusNotFound, "credential not found")
		return
	}
	if err := a.credentials.DeleteCredential(r.Context(), credentialID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(p.IdentityID, "passkey.removed", "credential:"+credentialID, audit.SeverityInfo, map[string]string{
		"tenant": p.TenantID,
	})
	w.WriteHeader(http.StatusNoContent)
}
