package httpapi

import (
	"net/http"
	"testing"
)

type jwksPayload struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
	} `json:"keys"`
}

func TestKeyRotationKeepsOldTokensVerifying(t *testing.T) {
	env := newTestAPI(t)
	admin := env.seedAdmin(t)

	var before jwksPayload
	resp := env.get("/v1/tenants/t1/jwks", nil, nil)
	env.wantStatus(resp, http.StatusOK)
	env.decode(resp, &before)
	if len(before.Keys) == 0 {
		t.Fatal("expected at least one verification key")
	}

	var rotated map[string]string
	resp = env.post("/v1/keys/rotate", nil, bearerHeader(admin.AccessToken))
	env.wantStatus(resp, http.StatusOK)
	env.decode(resp, &rotated)
	if rotated["kid"] == "" {
		t.Fatal("rotate returned no kid")
	}
	if rotated["kid"] == before.Keys[0].Kid {
		t.Fatal("rotate did not change the signing key")
	}

	// A token signed before the rotation stays valid through the overlap.
	resp = env.get("/v1/sessions", nil, bearerHeader(admin.AccessToken))
	env.wantStatus(resp, http.StatusOK)
	resp.Body.Close()

	// The retired key is still advertised next to the new one.
	var after jwksPayload
	resp = env.get("/v1/tenants/t1/jwks", nil, nil)
	env.wantStatus(resp, http.StatusOK)
	env.decode(resp, &after)
	if len(after.Keys) != len(before.Keys)+1 {
		t.Fatalf("jwks has %d keys, want %d", len(after.Keys), len(before.Keys)+1)
	}

	// New sign-ins use the fresh key and verify.
	signin := env.signin("t1", "admin@example.com", "an-admin-password!")
	resp = env.get("/v1/sessions", nil, bearerHeader(signin.AccessToken))
	env.wantStatus(resp, http.StatusOK)
	resp.Body.Close()
}

func TestKeyRotationRequiresPermission(t *testing.T) {
	env := newTestAPI(t)
	env.signup("t1", "user@example.com", "a-long-password!")
	signin := env.signin("t1", "user@example.com", "a-long-password!")

	resp := env.post("/v1/keys/rotate", nil, bearerHeader(signin.AccessToken))
	env.wantStatus(resp, http.StatusForbidden)
	resp.Body.Close()
}
