package token

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/ids"
)

const (
	defaultKeyBits    = 2048
	defaultKeyOverlap = 24 * time.Hour
)

// SigningKey is one tenant signing key. RetiredAt is zero while the key is
// current; a retired key keeps verifying until the overlap window closes.
type SigningKey struct {
	ID        string
	TenantID  string
	Key       *rsa.PrivateKey
	CreatedAt time.Time
	RetiredAt time.Time
}

// Registry holds per-tenant signing keys. Rotation retires the current key
// instead of discarding it, so access tokens signed just before a rotation
// stay verifiable for the overlap window.
type Registry struct {
	mu      sync.RWMutex
	overlap time.Duration
	current map[string]*SigningKey
	retired map[string][]*SigningKey
	now     func() time.Time
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithKeyOverlap sets how long retired keys keep verifying.
func WithKeyOverlap(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.overlap = d
		}
	}
}

// WithRegistryClock overrides the time source.
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry creates an empty registry. Keys are provisioned lazily the
// first time a tenant signs.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		overlap: defaultKeyOverlap,
		current: make(map[string]*SigningKey),
		retired: make(map[string][]*SigningKey),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns the tenant's signing key, generating one on first use.
func (r *Registry) Current(tenantID string) (*SigningKey, error) {
	r.mu.RLock()
	key, ok := r.current[tenantID]
	r.mu.RUnlock()
	if ok {
		return key, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if key, ok := r.current[tenantID]; ok {
		return key, nil
	}
	key, err := r.generate(tenantID)
	if err != nil {
		return nil, err
	}
	r.current[tenantID] = key
	return key, nil
}

// Rotate replaces the tenant's current key. The old key moves to the retired
// set and keeps verifying for the overlap window.
func (r *Registry) Rotate(tenantID string) (*SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.generate(tenantID)
	if err != nil {
		return nil, err
	}
	if old, ok := r.current[tenantID]; ok {
		old.RetiredAt = r.now().UTC()
		r.retired[tenantID] = append(r.retired[tenantID], old)
	}
	r.current[tenantID] = next
	r.prune(tenantID)
	return next, nil
}

// Public resolves a key id to its public half for verification. Retired keys
// resolve until their overlap window closes.
func (r *Registry) Public(kid string) (*rsa.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.current {
		if key.ID == kid {
			return &key.Key.PublicKey, nil
		}
	}
	cutoff := r.now().Add(-r.overlap)
	for _, keys := range r.retired {
		for _, key := range keys {
			if key.ID == kid && key.RetiredAt.After(cutoff) {
				return &key.Key.PublicKey, nil
			}
		}
	}
	return nil, ErrUnknownKey
}

// jwk is the subset of RFC 7517 the JWKS endpoint serves.
type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS renders the tenant's verification keys as a JWK set.
func (r *Registry) JWKS(tenantID string) ([]byte, error) {
	r.mu.Lock()
	r.prune(tenantID)
	keys := make([]*SigningKey, 0, 1+len(r.retired[tenantID]))
	if cur, ok := r.current[tenantID]; ok {
		keys = append(keys, cur)
	}
	keys = append(keys, r.retired[tenantID]...)
	r.mu.Unlock()

	set := struct {
		Keys []jwk `json:"keys"`
	}{Keys: make([]jwk, 0, len(keys))}
	for _, key := range keys {
		pub := key.Key.PublicKey
		set.Keys = append(set.Keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: key.ID,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return json.Marshal(set)
}

func (r *Registry) generate(tenantID string) (*SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, defaultKeyBits)
	if err != nil {
		return nil, fmt.Errorf("token: generate signing key: %w", err)
	}
	return &SigningKey{
		ID:        ids.New(),
		TenantID:  tenantID,
		Key:       priv,
		CreatedAt: r.now().UTC(),
	}, nil
}

// prune drops retired keys past the overlap window. Caller holds the lock.
func (r *Registry) prune(tenantID string) {
	cutoff := r.now().Add(-r.overlap)
	kept := r.retired[tenantID][:0]
	for _, key := range r.retired[tenantID] {
		if key.RetiredAt.After(cutoff) {
			kept = append(kept, key)
		}
	}
	if len(kept) == 0 {
		delete(r.retired, tenantID)
		return
	}
	r.retired[tenantID] = kept
}
