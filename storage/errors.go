package storage

import "errors"

// Sentinel errors returned by storage implementations.
// Implementations wrap these with additional context, so callers must use errors.Is.
var (
	// ErrClientNotFound is returned when no client exists for the given ID
	ErrClientNotFound = errors.New("client not found")

	// ErrClientExists is returned when saving a client whose ID is already taken
	ErrClientExists = errors.New("client already exists")

	// ErrCodeNotFound is returned when no authorization code matches the digest and client
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeRevoked is returned when an authorization code has already been redeemed
	ErrCodeRevoked = errors.New("authorization code already used")

	// ErrCodeExpired is returned when an authorization code is past its expiry
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrRedirectURIMismatch is returned when the redirect URI differs from the one bound at issuance
	ErrRedirectURIMismatch = errors.New("redirect uri mismatch")

	// ErrTokenNotFound is returned when no token matches the digest
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenRevoked is returned when a token has been revoked
	ErrTokenRevoked = errors.New("token revoked")

	// ErrTokenExpired is returned when a token is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrClientMismatch is returned when a refresh token belongs to a different client
	ErrClientMismatch = errors.New("token issued to a different client")

	// ErrDuplicateValue is returned when an opaque value digest collides with an existing record
	ErrDuplicateValue = errors.New("duplicate opaque value")
)

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrTokenNotFound)
}
