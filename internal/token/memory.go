package token

import (
	"context"
	"sync"
)

// InMemory implements FamilyStore for tests and single-node dev setups.
type InMemory struct {
	mu     sync.Mutex
	tokens map[string]*RefreshToken
}

var _ FamilyStore = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{tokens: make(map[string]*RefreshToken)}
}

func (s *InMemory) Create(ctx context.Context, rec *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.tokens[rec.ID] = &cp
	return nil
}

func (s *InMemory) Find(ctx context.Context, tokenID string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[tokenID]
	if !ok {
		return nil, ErrInvalidToken
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemory) Consume(ctx context.Context, tokenID string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[tokenID]
	if !ok {
		return nil, ErrInvalidToken
	}
	switch rec.Status {
	case StatusIssued:
	case StatusRevoked:
		return nil, ErrRevoked
	default:
		return nil, ErrReplayed
	}
	rec.Status = StatusConsumed
	cp := *rec
	return &cp, nil
}

func (s *InMemory) RevokeFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.tokens {
		if rec.FamilyID == familyID {
			rec.Status = StatusRevoked
		}
	}
	return nil
}

func (s *InMemory) ListFamily(ctx context.Context, familyID string) ([]*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RefreshToken
	for _, rec := range s.tokens {
		if rec.FamilyID == familyID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
