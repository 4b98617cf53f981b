package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

const (
	// ClientSecretLength is the length of generated client secrets
	ClientSecretLength = 64

	// dummySecretHash is compared against when a client does not exist, so the
	// bcrypt cost is paid either way (bcrypt hash of "test").
	dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// GenerateToken returns a new opaque value for authorization codes and tokens:
// 32 random bytes (256 bits) encoded as base64url.
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// GenerateClientSecret returns a random client secret of ClientSecretLength
// base64url characters.
func GenerateClientSecret() (string, error) {
	// 48 bytes encode to exactly 64 base64 characters
	b := make([]byte, ClientSecretLength*3/4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret returns the bcrypt hash stored for a client secret.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret reports whether secret matches hash. An empty hash (unknown client)
// is compared against a dummy hash and always fails, taking the same time as a
// real comparison. bcrypt's comparison is constant time.
func CompareSecret(hash, secret string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
