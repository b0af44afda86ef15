package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/federation"
)

type createProviderRequest struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	AllowJIT       bool   `json:"allow_jit"`
	DefaultRole    string `json:"default_role"`
	IDPMetadataXML string `json:"idp_metadata_xml"`
	Issuer         string `json:"issuer"`
	ClientID       string `json:"client_id"`
	AuthorizeURL   string `json:"authorize_url"`
	JWKSURL        string `json:"jwks_url"`
}

type ssoBeginRequest struct {
	Tenant     string `json:"tenant"`
	ProviderID string `json:"provider_id"`
	ReturnTo   string `json:"return_to"`
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (a *API) handleSSOProviders(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.handleCreateProvider(w, r, p)
	case http.MethodGet:
		providers, err := a.providers.ListProviders(r.Context(), p.TenantID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCreateProvider(w http.ResponseWriter, r *http.Request, p Principal) {
	if !a.requirePermission(w, r, p, "sso:providers", "manage") {
		return
	}
	var req createProviderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Type {
	case federation.TypeSAML:
		if strings.TrimSpace(req.IDPMetadataXML) == "" {
			writeError(w, r, http.StatusBadRequest, "idp_metadata_xml is required for saml providers")
			return
		}
	case federation.TypeOIDC:
		if req.Issuer == "" || req.ClientID == "" || req.AuthorizeURL == "" || req.JWKSURL == "" {
			writeError(w, r, http.StatusBadRequest, "issuer, client_id, authorize_url, and jwks_url are required for oidc providers")
			return
		}
	default:
		writeError(w, r, http.StatusBadRequest, "type must be saml or oidc")
		return
	}

	provider := &federation.Provider{
		TenantID:       p.TenantID,
		Type:           req.Type,
		Name:           strings.TrimSpace(req.Name),
		Enabled:        req.Enabled,
		AllowJIT:       req.AllowJIT,
		DefaultRole:    req.DefaultRole,
		IDPMetadataXML: req.IDPMetadataXML,
		Issuer:         req.Issuer,
		ClientID:       req.ClientID,
		AuthorizeURL:   req.AuthorizeURL,
		JWKSURL:        req.JWKSURL,
	}
	if err := a.providers.CreateProvider(r.Context(), provider); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(p.IdentityID, "federation.provider.created", "provider:"+provider.ID, audit.SeverityInfo, map[string]string{
		"tenant": p.TenantID,
		"type":   provider.Type,
	})
	writeJSON(w, http.StatusCreated, provider)
}

func (a *API) handleSSOBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req ssoBeginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Tenant == "" || req.ProviderID == "" {
		writeError(w, r, http.StatusBadRequest, "tenant and provider_id are required")
		return
	}

	redirectURL, state, err := a.federation.Begin(r.Context(), req.Tenant, req.ProviderID, req.ReturnTo)
	if err != nil {
		a.handleFederationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"redirect_url": redirectURL,
		"state":        state,
	})
}

func (a *API) handleSSOScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sso/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case parts[0] == "providers" && parts[2] == "enable":
		a.handleProviderEnable(w, r, parts[1])
	case parts[0] == "saml" && parts[2] == "acs":
		a.handleSAMLACS(w, r, parts[1])
	case parts[0] == "oidc" && parts[2] == "callback":
		a.handleOIDCCallback(w, r, parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleProviderEnable(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	if !a.requirePermission(w, r, p, "sso:providers", "manage") {
		return
	}
	var req setEnabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.providers.SetProviderEnabled(r.Context(), p.TenantID, providerID, req.Enabled); err != nil {
		if errors.Is(err, federation.ErrProviderNotFound) {
			writeError(w, r, http.StatusNotFound, "provider not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(p.IdentityID, "federation.provider.toggled", "provider:"+providerID, audit.SeverityInfo, map[string]string{
		"tenant":  p.TenantID,
		"enabled": strconv.FormatBool(req.Enabled),
	})
	writeJSON(w, http.StatusOK, map[string]any{"enabled": req.Enabled})
}

func (a *API) handleSAMLACS(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, err := a.federation.CompleteSAML(r.Context(), providerID, r)
	if err != nil {
		a.handleFederationError(w, r, err)
		return
	}
	a.completeSignIn(w, r, id, "sso:saml")
}

func (a *API) handleOIDCCallback(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed callback")
		return
	}
	state := r.Form.Get("state")
	idToken := r.Form.Get("id_token")
	if state == "" || idToken == "" {
		writeError(w, r, http.StatusBadRequest, "state and id_token are required")
		return
	}

	id, err := a.federation.CompleteOIDC(r.Context(), providerID, state, idToken)
	if err != nil {
		a.handleFederationError(w, r, err)
		return
	}
	a.completeSignIn(w, r, id, "sso:oidc")
}

func (a *API) handleFederationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, federation.ErrProviderNotFound):
		writeError(w, r, http.StatusNotFound, "provider not found")
	case errors.Is(err, federation.ErrProviderDisabled):
		writeError(w, r, http.StatusForbidden, "provider disabled")
	case errors.Is(err, federation.ErrStateExpired):
		writeError(w, r, http.StatusUnauthorized, "sign-in flow expired")
	case errors.Is(err, federation.ErrAssertionReplayed):
		writeError(w, r, http.StatusUnauthorized, "assertion already used")
	case errors.Is(err, federation.ErrAssertionInvalid):
		writeError(w, r, http.StatusUnauthorized, "assertion rejected")
	case errors.Is(err, federation.ErrIdentityUnknown):
		writeError(w, r, http.StatusForbidden, "no matching identity")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
