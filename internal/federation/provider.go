// Package federation lets tenants bring their own IdP. Handlers validate
// SAML assertions and OIDC id-tokens, then map the external subject onto a
// local identity, provisioning one just-in-time when the provider allows it.
package federation

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrProviderNotFound = errors.New("federation: provider not found")
	// ErrProviderDisabled is returned for flows against a configured but
	// switched-off provider.
	ErrProviderDisabled = errors.New("federation: provider disabled")
	// ErrStateExpired covers unknown, expired, and already-used flow state.
	ErrStateExpired = errors.New("federation: flow state expired")
	// ErrAssertionInvalid covers signature, audience, and validity-window
	// failures uniformly.
	ErrAssertionInvalid = errors.New("federation: assertion invalid")
	// ErrAssertionReplayed flags an assertion id seen before.
	ErrAssertionReplayed = errors.New("federation: assertion replayed")
	// ErrIdentityUnknown means the asserted subject has no local identity
	// and the provider does not allow just-in-time provisioning.
	ErrIdentityUnknown = errors.New("federation: no local identity")
)

// Provider types.
const (
	TypeSAML = "saml"
	TypeOIDC = "oidc"
)

// Provider is one tenant's IdP connection.
type Provider struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`

	// JIT provisioning. DefaultRole is granted tenant-wide to identities
	// created through this provider.
	AllowJIT    bool   `json:"allow_jit"`
	DefaultRole string `json:"default_role,omitempty"`

	// SAML: IdP metadata XML as served by the IdP.
	IDPMetadataXML string `json:"-"`

	// OIDC.
	Issuer       string `json:"issuer,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	AuthorizeURL string `json:"authorize_url,omitempty"`
	JWKSURL      string `json:"jwks_url,omitempty"`
}

// ProviderStore persists provider configurations.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *Provider) error
	FindProvider(ctx context.Context, tenantID, providerID string) (*Provider, error)
	ListProviders(ctx context.Context, tenantID string) ([]*Provider, error)
	SetProviderEnabled(ctx context.Context, tenantID, providerID string, enabled bool) error
}

// InMemoryProviders implements ProviderStore for tests and dev setups.
type InMemoryProviders struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

var _ ProviderStore = (*InMemoryProviders)(nil)

// NewInMemoryProviders creates an empty store.
func NewInMemoryProviders() *InMemoryProviders {
	return &InMemoryProviders{providers: make(map[string]*Provider)}
}

func (s *InMemoryProviders) CreateProvider(ctx context.Context, p *Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.providers[p.ID] = &cp
	return nil
}

func (s *InMemoryProviders) FindProvider(ctx context.Context, tenantID, providerID string) (*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[providerID]
	if !ok || p.TenantID != tenantID {
		return nil, ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *InMemoryProviders) ListProviders(ctx context.Context, tenantID string) ([]*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Provider
	for _, p := range s.providers {
		if p.TenantID == tenantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryProviders) SetProviderEnabled(ctx context.Context, tenantID, providerID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok || p.TenantID != tenantID {
		return ErrProviderNotFound
	}
	p.Enabled = enabled
	return nil
}
