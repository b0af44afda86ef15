// Package mfa implements second-factor enrollment and the post-password
// challenge flow. Challenge state lives in the shared cache so any replica
// can answer the verification request.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/identity"
	"github.com/madfam-io/plinto-sub006/internal/ids"
	"github.com/madfam-io/plinto-sub006/internal/notify"
)

var (
	ErrChallengeExpired   = errors.New("mfa: challenge expired")
	ErrChallengeExhausted = errors.New("mfa: challenge attempts exhausted")
	ErrCodeInvalid        = errors.New("mfa: code invalid")
	ErrFactorNotFound     = errors.New("mfa: factor not found")
	ErrNoFactors          = errors.New("mfa: no enabled factors")
)

const (
	defaultChallengeTTL = 5 * time.Minute
	defaultMaxAttempts  = 5
	smsCodeTTL          = 5 * time.Minute
	backupCodeCount     = 10
)

// Challenge is the pending second-factor step handed back after a successful
// password check.
type Challenge struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	Methods    []string  `json:"methods"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Engine drives enrollment and challenge verification.
type Engine struct {
	factors      identity.FactorStore
	cache        cache.Cache
	dispatcher   notify.Dispatcher
	issuer       string
	challengeTTL time.Duration
	maxAttempts  int
	now          func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithChallengeTTL overrides how long a challenge stays answerable.
func WithChallengeTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.challengeTTL = ttl
		}
	}
}

// WithMaxAttempts overrides the per-challenge attempt budget.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// NewEngine constructs the Engine. The issuer labels otpauth enrollment URIs.
func NewEngine(factors identity.FactorStore, c cache.Cache, dispatcher notify.Dispatcher, issuer string, opts ...Option) (*Engine, error) {
	if factors == nil || c == nil || dispatcher == nil {
		return nil, errors.New("mfa: factor store, cache, and dispatcher are required")
	}
	e := &Engine{
		factors:      factors,
		cache:        c,
		dispatcher:   dispatcher,
		issuer:       issuer,
		challengeTTL: defaultChallengeTTL,
		maxAttempts:  defaultMaxAttempts,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Enrollment is what the caller shows the user once, at enrollment time.
type Enrollment struct {
	Factor *identity.Factor
	// Secret is the base32 TOTP seed; empty for non-TOTP factors.
	Secret string
	// OTPAuthURL is the authenticator-app URI; empty for non-TOTP factors.
	OTPAuthURL string
	// BackupCodes are the plaintext recovery codes; only hashes are stored.
	BackupCodes []string
}

// EnrollTOTP creates a disabled TOTP factor. The factor activates on the
// first successful ConfirmFactor so a mistyped seed never locks anyone out.
func (e *Engine) EnrollTOTP(ctx context.Context, identityID, account string) (*Enrollment, error) {
	secret, err := newTOTPSecret()
	if err != nil {
		return nil, err
	}
	f := &identity.Factor{
		IdentityID: identityID,
		Type:       identity.FactorTOTP,
		Secret:     secret,
	}
	if err := e.factors.CreateFactor(ctx, f); err != nil {
		return nil, err
	}
	return &Enrollment{
		Factor:     f,
		Secret:     secret,
		OTPAuthURL: otpauthURL(e.issuer, account, secret),
	}, nil
}

// EnrollSMS creates a disabled SMS factor and sends the first confirmation
// code to the phone number.
func (e *Engine) EnrollSMS(ctx context.Context, identityID, phone string) (*Enrollment, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, errors.New("mfa: phone number is required")
	}
	f := &identity.Factor{
		IdentityID: identityID,
		Type:       identity.FactorSMS,
		Secret:     phone,
	}
	if err := e.factors.CreateFactor(ctx, f); err != nil {
		return nil, err
	}
	if err := e.sendSMSCode(ctx, f); err != nil {
		return nil, err
	}
	return &Enrollment{Factor: f}, nil
}

// ConfirmFactor proves possession and enables the factor.
func (e *Engine) ConfirmFactor(ctx context.Context, factorID, code string) error {
	f, err := e.factors.FindFactor(ctx, factorID)
	if err != nil {
		return ErrFactorNotFound
	}
	if err := e.checkFactorCode(ctx, f, code); err != nil {
		return err
	}
	return e.factors.EnableFactor(ctx, factorID)
}

// GenerateBackupCodes mints a fresh recovery-code set, replacing any previous
// set. Plaintext codes are returned exactly once.
func (e *Engine) GenerateBackupCodes(ctx context.Context, identityID string) (*Enrollment, error) {
	f, err := e.findFactorByType(ctx, identityID, identity.FactorBackup)
	if err != nil {
		f = &identity.Factor{
			IdentityID: identityID,
			Type:       identity.FactorBackup,
			Enabled:    true,
		}
		if err := e.factors.CreateFactor(ctx, f); err != nil {
			return nil, err
		}
	}

	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := newBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hashCode(code))
	}
	if err := e.factors.CreateBackupCodes(ctx, f.ID, hashes); err != nil {
		return nil, err
	}
	return &Enrollment{Factor: f, BackupCodes: codes}, nil
}

// DisableFactor turns a factor off without deleting its audit history.
func (e *Engine) DisableFactor(ctx context.Context, factorID string) error {
	return e.factors.DisableFactor(ctx, factorID)
}

// IssueChallenge opens the second-factor step for an identity. SMS factors
// get their code dispatched immediately.
func (e *Engine) IssueChallenge(ctx context.Context, identityID string) (*Challenge, error) {
	enabled, err := e.enabledFactors(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return nil, ErrNoFactors
	}

	methods := make([]string, 0, len(enabled))
	for _, f := range enabled {
		methods = append(methods, f.Type)
		if f.Type == identity.FactorSMS {
			if err := e.sendSMSCode(ctx, f); err != nil {
				return nil, err
			}
		}
	}

	ch := &Challenge{
		ID:         ids.New(),
		IdentityID: identityID,
		Methods:    methods,
		ExpiresAt:  e.now().UTC().Add(e.challengeTTL),
	}
	if err := e.cache.Set(ctx, challengeKey(ch.ID), identityID, e.challengeTTL); err != nil {
		return nil, err
	}
	return ch, nil
}

// VerifyChallenge answers a pending challenge with one method's code. On
// success the challenge is consumed and the identity id is returned. Failed
// attempts count against the challenge; crossing the budget voids it.
func (e *Engine) VerifyChallenge(ctx context.Context, challengeID, method, code string) (string, error) {
	identityID, err := e.cache.Get(ctx, challengeKey(challengeID))
	if errors.Is(err, cache.ErrMiss) {
		return "", ErrChallengeExpired
	}
	if err != nil {
		return "", err
	}

	// The attempt counter shares the challenge lifetime; Incr is atomic so
	// concurrent guesses cannot stretch the budget.
	attempts, err := e.cache.Incr(ctx, attemptsKey(challengeID), e.challengeTTL)
	if err != nil {
		return "", err
	}
	if attempts > int64(e.maxAttempts) {
		_ = e.cache.Del(ctx, challengeKey(challengeID), attemptsKey(challengeID))
		return "", ErrChallengeExhausted
	}

	f, err := e.findFactorByType(ctx, identityID, method)
	if err != nil || !f.Enabled {
		return "", ErrCodeInvalid
	}
	if err := e.checkFactorCode(ctx, f, code); err != nil {
		if attempts == int64(e.maxAttempts) {
			_ = e.cache.Del(ctx, challengeKey(challengeID), attemptsKey(challengeID))
			return "", ErrChallengeExhausted
		}
		return "", err
	}

	_ = e.factors.TouchFactor(ctx, f.ID)
	_ = e.cache.Del(ctx, challengeKey(challengeID), attemptsKey(challengeID))
	return identityID, nil
}

func (e *Engine) checkFactorCode(ctx context.Context, f *identity.Factor, code string) error {
	code = strings.TrimSpace(code)
	switch f.Type {
	case identity.FactorTOTP:
		step, ok := verifyTOTP(f.Secret, code, e.now())
		if !ok {
			return ErrCodeInvalid
		}
		// Each step value is accepted once. SetNX claims it; a replay of the
		// same code inside the window loses the claim.
		claimed, err := e.cache.SetNX(ctx, fmt.Sprintf("mfa:totp:%s:%d", f.ID, step), "1", totpStep*(totpSkew*2+1))
		if err != nil {
			return err
		}
		if !claimed {
			return ErrCodeInvalid
		}
		return nil
	case identity.FactorSMS:
		stored, err := e.cache.Get(ctx, smsCodeKey(f.ID))
		if errors.Is(err, cache.ErrMiss) {
			return ErrCodeInvalid
		}
		if err != nil {
			return err
		}
		if !subtleEqual(stored, code) {
			return ErrCodeInvalid
		}
		// The code survives failed guesses; only a match consumes it. GetDel
		// claims it atomically so a concurrent duplicate submission loses.
		claimed, err := e.cache.GetDel(ctx, smsCodeKey(f.ID))
		if err != nil || !subtleEqual(claimed, code) {
			return ErrCodeInvalid
		}
		return nil
	case identity.FactorBackup:
		ok, err := e.factors.ConsumeBackupCode(ctx, f.ID, hashCode(code))
		if err != nil {
			return err
		}
		if !ok {
			return ErrCodeInvalid
		}
		return nil
	default:
		return ErrCodeInvalid
	}
}

func (e *Engine) sendSMSCode(ctx context.Context, f *identity.Factor) error {
	code, err := newNumericCode(totpDigits)
	if err != nil {
		return err
	}
	if err := e.cache.Set(ctx, smsCodeKey(f.ID), code, smsCodeTTL); err != nil {
		return err
	}
	return e.dispatcher.SendCode(ctx, "sms", f.Secret, code)
}

func (e *Engine) enabledFactors(ctx context.Context, identityID string) ([]*identity.Factor, error) {
	all, err := e.factors.ListFactors(ctx, identityID)
	if err != nil {
		return nil, err
	}
	var out []*identity.Factor
	for _, f := range all {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out, nil
}

func (e *Engine) findFactorByType(ctx context.Context, identityID, typ string) (*identity.Factor, error) {
	all, err := e.factors.ListFactors(ctx, identityID)
	if err != nil {
		return nil, err
	}
	for _, f := range all {
		if f.Type == typ {
			return f, nil
		}
	}
	return nil, ErrFactorNotFound
}

func subtleEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func challengeKey(id string) string { return "mfa:chal:" + id }
func attemptsKey(id string) string  { return "mfa:att:" + id }
func smsCodeKey(id string) string   { return "mfa:sms:" + id }

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

func newNumericCode(digits int) (string, error) {
	buf := make([]byte, digits)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mfa: generate code: %w", err)
	}
	out := make([]byte, digits)
	for i, b := range buf {
		out[i] = '0' + b%10
	}
	return string(out), nil
}

func newBackupCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mfa: generate backup code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
