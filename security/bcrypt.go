// Package security provides cryptographic utilities: password hashing,
// application-level value encryption, and API key material.
package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default cost factor for bcrypt password
	// hashing. Cost factor of 10 provides a good balance between security
	// and performance.
	DefaultBcryptCost = 10
)

// HashPassword creates a bcrypt hash of the provided password using the
// default cost factor. Each hash includes a random salt automatically.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password against its bcrypt hash.
// Returns an error when they do not match.
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
