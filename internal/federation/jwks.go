package federation

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwksCacheTTL = time.Hour

// jwksCache fetches and caches remote JWK sets. One instance is shared by
// all OIDC providers; entries are keyed by URL.
type jwksCache struct {
	client *http.Client
	now    func() time.Time

	mu   sync.Mutex
	sets map[string]*jwksEntry
}

type jwksEntry struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(client *http.Client, now func() time.Time) *jwksCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if now == nil {
		now = time.Now
	}
	return &jwksCache{client: client, now: now, sets: make(map[string]*jwksEntry)}
}

// Keyfunc returns a jwt keyfunc resolving kids against the set at url.
func (c *jwksCache) Keyfunc(url string) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrAssertionInvalid
		}
		key, err := c.lookup(url, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
}

func (c *jwksCache) lookup(url, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	entry, ok := c.sets[url]
	if ok && c.now().Sub(entry.fetchedAt) < jwksCacheTTL {
		if key, ok := entry.keys[kid]; ok {
			c.mu.Unlock()
			return key, nil
		}
	}
	c.mu.Unlock()

	// Miss or stale: refetch. An unknown kid after a rotation resolves here.
	entry, err := c.fetch(url)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sets[url] = entry
	c.mu.Unlock()

	key, ok := entry.keys[kid]
	if !ok {
		return nil, ErrAssertionInvalid
	}
	return key, nil
}

func (c *jwksCache) fetch(url string) (*jwksEntry, error) {
	resp, err := c.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("federation: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federation: fetch jwks: status %d", resp.StatusCode)
	}

	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("federation: decode jwks: %w", err)
	}

	entry := &jwksEntry{keys: make(map[string]*rsa.PublicKey), fetchedAt: c.now()}
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		entry.keys[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}
	}
	return entry, nil
}
