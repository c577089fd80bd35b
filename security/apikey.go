package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// APIKeyPrefix identifies Flowmatic API keys. The full key is
// "fm_<id>_<secret>"; only the prefix and a hash of the secret are stored.
const APIKeyPrefix = "fm"

// GenerateAPIKey creates a new opaque API key. It returns the full key
// (shown to the caller exactly once), the public identifier used for
// lookup, and the SHA-256 hash of the secret stored server-side.
func GenerateAPIKey() (full, identifier, hash string, err error) {
	idBytes := make([]byte, 6)
	if _, err = rand.Read(idBytes); err != nil {
		return "", "", "", err
	}
	secretBytes := make([]byte, 24)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", "", err
	}

	identifier = hex.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	full = fmt.Sprintf("%s_%s_%s", APIKeyPrefix, identifier, secret)
	hash = HashAPIKeySecret(secret)
	return full, identifier, hash, nil
}

// ParseAPIKey splits a presented key into identifier and secret. Returns an
// error for keys that are not in the expected format.
func ParseAPIKey(key string) (identifier, secret string, err error) {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 || parts[0] != APIKeyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed API key")
	}
	return parts[1], parts[2], nil
}

// HashAPIKeySecret hashes the secret half of an API key for storage.
// SHA-256 is sufficient here because the secret is high-entropy random
// material, not a user-chosen password.
func HashAPIKeySecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings in constant time. Used for
// webhook trigger secrets and API key hashes.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
