package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/ids"
)

// InMemory implements the identity stores with in-process concurrency safety.
// Tests and single-node dev setups use it; production uses the Postgres store.
type InMemory struct {
	mu          sync.RWMutex
	identities  map[string]*Identity
	credentials map[string]*Credential
	factors     map[string]*Factor
	backupCodes map[string][]*BackupCode // factor id -> codes
	now         func() time.Time
}

var (
	_ Store           = (*InMemory)(nil)
	_ CredentialStore = (*InMemory)(nil)
	_ FactorStore     = (*InMemory)(nil)
)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		identities:  make(map[string]*Identity),
		credentials: make(map[string]*Credential),
		factors:     make(map[string]*Factor),
		backupCodes: make(map[string][]*BackupCode),
		now:         time.Now,
	}
}

func (s *InMemory) Create(ctx context.Context, id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.ID == "" {
		id.ID = ids.New()
	}
	for _, existing := range s.identities {
		if existing.TenantID == id.TenantID && strings.EqualFold(existing.Email, id.Email) {
			return ErrConflict
		}
	}
	now := s.now().UTC()
	id.CreatedAt = now
	id.UpdatedAt = now
	cp := *id
	s.identities[id.ID] = &cp
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemory) FindByEmail(ctx context.Context, tenantID, email string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.identities {
		if rec.TenantID == tenantID && strings.EqualFold(rec.Email, email) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemory) UpdatePasswordHash(ctx context.Context, identityID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	rec.PasswordHash = hash
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemory) UpdateStatus(ctx context.Context, identityID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemory) CreateCredential(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[cred.ID]; ok {
		return ErrConflict
	}
	cred.CreatedAt = s.now().UTC()
	cp := *cred
	s.credentials[cred.ID] = &cp
	return nil
}

func (s *InMemory) FindCredential(ctx context.Context, credentialID string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.credentials[credentialID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemory) ListCredentials(ctx context.Context, identityID string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Credential
	for _, rec := range s.credentials {
		if rec.IdentityID == identityID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemory) UpdateSignCount(ctx context.Context, credentialID string, count uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.credentials[credentialID]
	if !ok {
		return ErrNotFound
	}
	rec.SignCount = count
	rec.LastUsedAt = s.now().UTC()
	return nil
}

func (s *InMemory) DeleteCredential(ctx context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[credentialID]; !ok {
		return ErrNotFound
	}
	delete(s.credentials, credentialID)
	return nil
}

func (s *InMemory) CreateFactor(ctx context.Context, f *Factor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = ids.New()
	}
	f.CreatedAt = s.now().UTC()
	cp := *f
	s.factors[f.ID] = &cp
	return nil
}

func (s *InMemory) FindFactor(ctx context.Context, factorID string) (*Factor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.factors[factorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemory) ListFactors(ctx context.Context, identityID string) ([]*Factor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Factor
	for _, rec := range s.factors {
		if rec.IdentityID == identityID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemory) TouchFactor(ctx context.Context, factorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.factors[factorID]
	if !ok {
		return ErrNotFound
	}
	rec.LastUsedAt = s.now().UTC()
	return nil
}

func (s *InMemory) EnableFactor(ctx context.Context, factorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.factors[factorID]
	if !ok {
		return ErrNotFound
	}
	rec.Enabled = true
	return nil
}

func (s *InMemory) DisableFactor(ctx context.Context, factorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.factors[factorID]
	if !ok {
		return ErrNotFound
	}
	rec.Enabled = false
	return nil
}

func (s *InMemory) CreateBackupCodes(ctx context.Context, factorID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]*BackupCode, 0, len(hashes))
	for _, h := range hashes {
		codes = append(codes, &BackupCode{FactorID: factorID, CodeHash: h})
	}
	s.backupCodes[factorID] = codes
	return nil
}

func (s *InMemory) ConsumeBackupCode(ctx context.Context, factorID, codeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, code := range s.backupCodes[factorID] {
		if code.CodeHash == codeHash && !code.Used {
			code.Used = true
			return true, nil
		}
	}
	return false, nil
}
