package identity

import "context"

// Store describes persistence for identities and their credential material.
type Store interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, tenantID, email string) (*Identity, error)
	UpdatePasswordHash(ctx context.Context, identityID, hash string) error
	UpdateStatus(ctx context.Context, identityID, status string) error
}

// CredentialStore manages WebAuthn credential records.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *Credential) error
	FindCredential(ctx context.Context, credentialID string) (*Credential, error)
	ListCredentials(ctx context.Context, identityID string) ([]*Credential, error)
	// UpdateSignCount persists the counter only when it advances; callers must
	// have verified monotonicity first.
	UpdateSignCount(ctx context.Context, credentialID string, count uint32) error
	DeleteCredential(ctx context.Context, credentialID string) error
}

// FactorStore manages MFA factors and backup codes.
type FactorStore interface {
	CreateFactor(ctx context.Context, f *Factor) error
	FindFactor(ctx context.Context, factorID string) (*Factor, error)
	ListFactors(ctx context.Context, identityID string) ([]*Factor, error)
	TouchFactor(ctx context.Context, factorID string) error
	EnableFactor(ctx context.Context, factorID string) error
	DisableFactor(ctx context.Context, factorID string) error
	CreateBackupCodes(ctx context.Context, factorID string, hashes []string) error
	// ConsumeBackupCode atomically marks the code used; reports false when the
	// code is unknown or already spent.
	ConsumeBackupCode(ctx context.Context, factorID, codeHash string) (bool, error)
}
