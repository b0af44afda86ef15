package rbac

import (
	"context"
	"testing"
)

func newEvaluator(t *testing.T) (*Evaluator, *InMemory) {
	t.Helper()
	store := NewInMemory()
	ev, err := NewEvaluator(store)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return ev, store
}

func TestAuthorizeDenyByDefault(t *testing.T) {
	ev, _ := newEvaluator(t)
	d, err := ev.Authorize(context.Background(), "t1", []string{"user-1"}, "sessions", "read")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected deny with no grants")
	}
}

func TestAuthorizeExplicitDenyWins(t *testing.T) {
	ev, _ := newEvaluator(t)
	ctx := context.Background()

	if _, err := ev.Grant(ctx, Grant{TenantID: "t1", SubjectID: "user-1", Effect: EffectAllow, Resource: "sessions", Action: "read"}); err != nil {
		t.Fatalf("Grant allow: %v", err)
	}
	deny, err := ev.Grant(ctx, Grant{TenantID: "t1", SubjectID: "user-1", Effect: EffectDeny, Resource: "sessions", Action: "read"})
	if err != nil {
		t.Fatalf("Grant deny: %v", err)
	}

	d, err := ev.Authorize(ctx, "t1", []string{"user-1"}, "sessions", "read")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatal("deny grant must override allow")
	}
	if d.MatchedGrant != deny.ID {
		t.Fatalf("expected deny grant %s to decide, got %s", deny.ID, d.MatchedGrant)
	}
}

func TestAuthorizeExactBeatsWildcard(t *testing.T) {
	ev, _ := newEvaluator(t)
	ctx := context.Background()

	if _, err := ev.Grant(ctx, Grant{TenantID: "t1", SubjectID: "user-1", Effect: EffectDeny, Resource: "sessions:*", Action: "*"}); err != nil {
		t.Fatalf("Grant wildcard deny: %v", err)
	}
	if _, err := ev.Grant(ctx, Grant{TenantID: "t1", SubjectID: "user-1", Effect: EffectAllow, Resource: "sessions:own", Action: "revoke"}); err != nil {
		t.Fatalf("Grant exact allow: %v", err)
	}

	d, err := ev.Authorize(ctx, "t1", []string{"user-1"}, "sessions:own", "revoke")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Fatal("exact allow must beat wildcard deny")
	}

	// Wildcard still applies where no exact grant matches.
	d, err = ev.Authorize(ctx, "t1", []string{"user-1"}, "sessions:other", "revoke")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatal("wildcard deny must apply without an exact match")
	}
}

func TestAuthorizeRevocationImmediate(t *testing.T) {
	ev, _ := newEvaluator(t)
	ctx := context.Background()

	g, err := ev.Grant(ctx, Grant{TenantID: "t1", SubjectID: "user-1", Effect: EffectAllow, Resource: "audit", Action: "read"})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	d, _ := ev.Authorize(ctx, "t1", []string{"user-1"}, "audit", "read")
	if !d.Allowed {
		t.Fatal("expected allow before revocation")
	}

	if err := ev.Revoke(ctx, g.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	d, _ = ev.Authorize(ctx, "t1", []string{"user-1"}, "audit", "read")
	if d.Allowed {
		t.Fatal("revocation must take effect on the next check")
	}
}

func TestAuthorizeGlobalWildcard(t *testing.T) {
	ev, _ := newEvaluator(t)
	ctx := context.Background()

	if _, err := ev.Grant(ctx, Grant{TenantID: "t1", SubjectID: "admins", Effect: EffectAllow, Resource: "*", Action: "*"}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	d, err := ev.Authorize(ctx, "t1", []string{"user-1", "admins"}, "audit", "read")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Fatal("group wildcard allow should apply")
	}

	// Grants never leak across tenants.
	d, _ = ev.Authorize(ctx, "t2", []string{"admins"}, "audit", "read")
	if d.Allowed {
		t.Fatal("grant from another tenant must not apply")
	}
}
