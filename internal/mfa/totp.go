package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"
)

const (
	totpDigits = 6
	totpStep   = 30 * time.Second
	// totpSkew is how many steps either side of now are accepted. One step
	// tolerates clock drift without widening the replay surface much.
	totpSkew = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// newTOTPSecret returns a fresh base32-encoded 160-bit seed.
func newTOTPSecret() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mfa: generate secret: %w", err)
	}
	return b32.EncodeToString(buf), nil
}

// otpauthURL renders the enrollment URI authenticator apps consume.
func otpauthURL(issuer, account, secret string) string {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", fmt.Sprintf("%d", totpDigits))
	v.Set("period", fmt.Sprintf("%d", int(totpStep.Seconds())))
	return fmt.Sprintf("otpauth://totp/%s:%s?%s", url.PathEscape(issuer), url.PathEscape(account), v.Encode())
}

// hotp computes the RFC 4226 value for a counter.
func hotp(secret []byte, counter uint64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, code%mod)
}

// totpStepAt maps a wall-clock instant to its RFC 6238 counter.
func totpStepAt(t time.Time) uint64 {
	return uint64(t.Unix() / int64(totpStep.Seconds()))
}

// verifyTOTP checks code against the seed within the skew window and returns
// the matched step so the caller can enforce single use per step.
func verifyTOTP(secret, code string, at time.Time) (uint64, bool) {
	seed, err := b32.DecodeString(secret)
	if err != nil {
		return 0, false
	}
	now := totpStepAt(at)
	for delta := -int64(totpSkew); delta <= totpSkew; delta++ {
		step := uint64(int64(now) + delta)
		if hmac.Equal([]byte(hotp(seed, step, totpDigits)), []byte(code)) {
			return step, true
		}
	}
	return 0, false
}
