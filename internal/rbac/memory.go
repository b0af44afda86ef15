package rbac

import (
	"context"
	"sync"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/ids"
)

// InMemory implements Store in-process for tests and dev mode.
type InMemory struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty grant store.
func NewInMemory() *InMemory {
	return &InMemory{grants: make(map[string]Grant)}
}

func (s *InMemory) CreateGrant(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = ids.New()
	}
	g.CreatedAt = time.Now().UTC()
	s.grants[g.ID] = *g
	return nil
}

func (s *InMemory) DeleteGrant(ctx context.Context, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, grantID)
	return nil
}

func (s *InMemory) ListBySubjects(ctx context.Context, tenantID string, subjectIDs []string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subjects := make(map[string]struct{}, len(subjectIDs))
	for _, id := range subjectIDs {
		subjects[id] = struct{}{}
	}
	var out []Grant
	for _, g := range s.grants {
		if g.TenantID != tenantID {
			continue
		}
		if _, ok := subjects[g.SubjectID]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}
