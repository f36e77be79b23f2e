// Package auth hashes and verifies account passwords.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Matching the published defaults for interactive
// logins; changing them invalidates no stored hash because the salt and
// hash are stored together per account.
const (
	saltSize    = 16
	hashSize    = 32
	timeCost    = 1
	memoryCost  = 64 * 1024
	parallelism = 4
)

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("auth: generate salt: %w", err)
	}
	return salt, nil
}

// HashPassword derives the stored hash for a password and salt.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, timeCost, memoryCost, parallelism, hashSize)
}

// Verify reports whether password matches the stored hash in constant
// time.
func Verify(password string, salt, hash []byte) bool {
	derived := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(derived, hash) == 1
}
