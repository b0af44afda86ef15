package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/mfa"
)

type enrollTOTPRequest struct {
	Account string `json:"account"`
}

type enrollSMSRequest struct {
	Phone string `json:"phone"`
}

type confirmFactorRequest struct {
	FactorID string `json:"factor_id"`
	Code     string `json:"code"`
}

type enrollmentResponse struct {
	Factor      *identity.Factor `json:"factor"`
	Secret      string           `json:"secret,omitempty"`
	OTPAuthURL  string           `json:"otpauth_url,omitempty"`
	BackupCodes []string         `json:"backup_codes,omitempty"`
}

func enrollmentPayload(e *mfa.Enrollment) enrollmentResponse {
	return enrollmentResponse{
		Factor:      e.Factor,
		Secret:      e.Secret,
		OTPAuthURL:  e.OTPAuthURL,
		BackupCodes: e.BackupCodes,
	}
}

func (a *API) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req enrollTOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	account := strings.TrimSpace(req.Account)
	if account == "" {
		id, err := a.identities.Find(r.Context(), p.IdentityID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		account = id.Email
	}

	enrollment, err := a.mfa.EnrollTOTP(r.Context(), p.IdentityID, account)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(p.IdentityID, "mfa.factor.enrolled", "factor:"+enrollment.Factor.ID, audit.SeverityInfo, map[string]string{
		"tenant": p.TenantID,
		"type":   identity.FactorTOTP,
	})
	writeJSON(w, http.StatusCreated, enrollmentPayload(enrollment))
}

func (a *API) handleEnrollSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req enrollSMSRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		writeError(w, r, http.StatusBadRequest, "phone is required")
		return
	}

	enrollment, err := a.mfa.EnrollSMS(r.Context(), p.IdentityID, req.Phone)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(p.IdentityID, "mfa.factor.enrolled", "factor:"+enrollment.Factor.ID, audit.SeverityInfo, map[string]string{
		"tenant": p.TenantID,
		"type":   identity.FactorSMS,
	})
	writeJSON(w, http.StatusCreated, enrollmentPayload(enrollment))
}

func (a *API) handleConfirmFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req confirmFactorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.ownsFactor(w, r, p, req.FactorID) {
		return
	}

	if err := a.mfa.ConfirmFactor(r.Context(), req.FactorID, req.Code); err != nil {
		switch {
		case errors.Is(err, mfa.ErrFactorNotFound):
			writeError(w, r, http.StatusNotFound, "factor not found")
		case errors.Is(err, mfa.ErrCodeInvalid):
			writeError(w, r, http.StatusBadRequest, "code invalid")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	a.audit(p.IdentityID, "mfa.factor.confirmed", "factor:"+req.FactorID, audit.SeverityInfo, map[string]string{
		"tenant": p.TenantID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": true})
}

func (a *API) handleBackupCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	enrollment, err := a.mfa.GenerateBackupCodes(r.Context(), p.IdentityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(p.IdentityID, "mfa.backup_codes.generated", "factor:"+enrollment.Factor.ID, audit.SeverityInfo, map[string]string{
		"tenant": p.TenantID,
	})
	writeJSON(w, http.StatusCreated, enrollmentPayload(enrollment))
}

func (a *API) handleListFactors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	factors, err := a.factors.ListFactors(r.Context(), p.IdentityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"factors": factors})
}

func (a *API) handleFactorScoped(w http.ResponseWriter, r *http.Request) {
	factorID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/mfa/factors/"), "/")
	if factorID == "" || strings.Contains(factorID, "/") {
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
	if !a.ownsFactor(w, r, p, factorID) {
		return
	}
	if err := a.mfa.DisableFactor(r.Context(), factorID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(p.IdentityID, "mfa.factor.disabled", "factor:"+factorID, audit.SeverityInfo, map[string]string{
		"tenant": p.TenantID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// ownsFactor confirms the factor belongs to the caller, hiding factors of
// other identities behind 404.
func (a *API) ownsFactor(w http.ResponseWriter, r *http.Request, p Principal, factorID string) bool {
	f, err := a.factors.FindFactor(r.Context(), factorID)
	if err != nil || f.IdentityID != p.IdentityID {
		writeError(w, r, http.StatusNotFound, "factor not found")
		return false
	}
	return true
}
