// Package rbac resolves effective permissions from role grants. Evaluation is
// a pure function of the grants stored at call time: a revocation is visible
// on the very next Authorize call because nothing here is cached.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput     = errors.New("rbac: invalid input")
	ErrPermissionDenied = errors.New("rbac: permission denied")
)

// Grant effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Grant ties a subject (identity or group) to an effect on a resource/action
// pair within a tenant. Resource may be exact ("sessions"), a prefixed
// wildcard ("sessions:*"), or the global wildcard ("*"); wildcards are less
// specific than exact grants and lose on conflict.
type Grant struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SubjectID string    `json:"subject_id"`
	Role      string    `json:"role"`
	Effect    string    `json:"effect"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// Store describes grant persistence.
type Store interface {
	CreateGrant(ctx context.Context, g *Grant) error
	DeleteGrant(ctx context.Context, grantID string) error
	// ListBySubjects returns every grant owned by any of the given subjects
	// (the identity itself plus its groups) within the tenant.
	ListBySubjects(ctx context.Context, tenantID string, subjectIDs []string) ([]Grant, error)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	// MatchedGrant is the grant that determined the outcome, empty on
	// deny-by-default.
	MatchedGrant string
}

// Evaluator answers allow/deny questions against current grants.
type Evaluator struct {
	store Store
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(store Store) (*Evaluator, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	return &Evaluator{store: store}, nil
}

// Grant validates and records a grant.
func (e *Evaluator) Grant(ctx context.Context, g Grant) (Grant, error) {
	g.SubjectID = strings.TrimSpace(g.SubjectID)
	g.Resource = strings.TrimSpace(g.Resource)
	g.Action = strings.TrimSpace(g.Action)
	if g.SubjectID == "" || g.Resource == "" || g.Action == "" {
		return Grant{}, fmt.Errorf("%w: subject, resource, and action are required", ErrInvalidInput)
	}
	switch g.Effect {
	case EffectAllow, EffectDeny:
	default:
		return Grant{}, fmt.Errorf("%w: unsupported effect %q", ErrInvalidInput, g.Effect)
	}
	if err := e.store.CreateGrant(ctx, &g); err != nil {
		return Grant{}, err
	}
	return g, nil
}

// Revoke removes a grant. The next Authorize call observes the removal.
func (e *Evaluator) Revoke(ctx context.Context, grantID string) error {
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return fmt.Errorf("%w: grant_id is required", ErrInvalidInput)
	}
	return e.store.DeleteGrant(ctx, grantID)
}

// Authorize resolves the effective decision for the subjects on the given
// resource/action. Exact-resource grants are consulted first; wildcard grants
// only apply when no exact grant matches. Within a specificity level an
// explicit deny wins over any allow. No matching grant means deny.
func (e *Evaluator) Authorize(ctx context.Context, tenantID string, subjectIDs []string, resource, action string) (Decision, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if len(subjectIDs) == 0 || resource == "" || action == "" {
		return Decision{}, fmt.Errorf("%w: subjects, resource, and action are required", ErrInvalidInput)
	}

	grants, err := e.store.ListBySubjects(ctx, tenantID, subjectIDs)
	if err != nil {
		return Decision{}, err
	}

	var exact, wildcard []Grant
	for _, g := range grants {
		if !actionMatches(g.Action, action) {
			continue
		}
		switch {
		case g.Resource == resource:
			exact = append(exact, g)
		case wildcardMatches(g.Resource, resource):
			wildcard = append(wildcard, g)
		}
	}

	if d, ok := decide(exact); ok {
		return d, nil
	}
	if d, ok := decide(wildcard); ok {
		return d, nil
	}
	return Decision{Allowed: false}, nil
}

// decide applies deny-wins within one specificity level.
func decide(grants []Grant) (Decision, bool) {
	if len(grants) == 0 {
		return Decision{}, false
	}
	var allow *Grant
	for i := range grants {
		g := &grants[i]
		if g.Effect == EffectDeny {
			return Decision{Allowed: false, MatchedGrant: g.ID}, true
		}
		if allow == nil {
			allow = g
		}
	}
	return Decision{Allowed: true, MatchedGrant: allow.ID}, true
}

func actionMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

func wildcardMatches(pattern, resource string) bool {
	if pattern == "*" {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, ":*")
	if !ok {
		return false
	}
	return resource == prefix || strings.HasPrefix(resource, prefix+":")
}
