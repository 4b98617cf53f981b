package storage

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// HashToken returns the deterministic digest under which an opaque value is stored
// (base64url SHA-256, no padding). Opaque values carry 256 bits of entropy, so an
// unsalted digest is sufficient and keeps lookups indexable.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// DigestEqual compares two digests in constant time.
func DigestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// JoinScopes renders a scope set the way it appears on the wire and in
// persisted columns: space separated.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SplitScopes parses a space separated scope string. Empty input yields nil.
func SplitScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
