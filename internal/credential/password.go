package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Current argon2id parameters. Hashes produced with anything weaker are
// re-hashed on the next successful login.
const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16
)

// HashPassword hashes a plaintext password with argon2id.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("credential: password is empty")
	}
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// checkPassword verifies plaintext against a stored hash. It accepts current
// argon2id hashes and legacy bcrypt hashes; stale reports whether the hash
// should be upgraded on successful verification.
func checkPassword(stored, password string) (ok bool, stale bool) {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		return checkArgon2(stored, password)
	case strings.HasPrefix(stored, "$2a$"), strings.HasPrefix(stored, "$2b$"), strings.HasPrefix(stored, "$2y$"):
		// Legacy bcrypt hash from before the argon2id migration; always
		// upgraded after a successful login.
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil, true
	default:
		return false, false
	}
}

func checkArgon2(stored, password string) (ok bool, stale bool) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, false
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, false
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return false, false
	}
	stale = memory != argonMemory || iterations != argonIterations || parallelism != argonParallelism
	return true, stale
}

// dummyHash is compared against when the identity does not exist so the
// response time does not reveal account existence.
var dummyHash = mustDummyHash()

func mustDummyHash() string {
	h, err := HashPassword("plinto-dummy-password")
	if err != nil {
		panic(err)
	}
	return h
}
