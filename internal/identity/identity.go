// Package identity holds the core records the platform authenticates:
// identities, their passkey credentials, and their MFA factors.
package identity

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("identity: not found")
	ErrConflict = errors.New("identity: already exists")
)

// Identity status values. Identities are never physically deleted; disabling
// preserves the audit trail.
const (
	StatusActive   = "active"
	StatusLocked   = "locked"
	StatusDisabled = "disabled"
)

// Identity is a person or service account within a tenant.
type Identity struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Credential is a registered WebAuthn credential. SignCount is monotonic; an
// assertion carrying a non-increasing counter is treated as a cloned
// authenticator.
type Credential struct {
	ID          string    `json:"id"`
	IdentityID  string    `json:"identity_id"`
	PublicKey   []byte    `json:"-"`
	SignCount   uint32    `json:"sign_count"`
	DeviceLabel string    `json:"device_label"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Factor types.
const (
	FactorTOTP   = "totp"
	FactorSMS    = "sms"
	FactorBackup = "backup_codes"
)

// Factor is an enrolled MFA factor. Secret holds the TOTP seed or phone
// number depending on Type; backup codes live in their own table as hashes.
type Factor struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	Type       string    `json:"type"`
	Secret     string    `json:"-"`
	Enabled    bool      `json:"enabled"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// BackupCode is a single-use recovery code, stored hashed.
type BackupCode struct {
	FactorID string
	CodeHash string
	Used     bool
}
