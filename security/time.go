package security

import "time"

// IsExpired reports whether a credential with the given expiry is unusable at now.
// A credential is valid only while now is strictly before expiresAt. There is no
// clock skew grace period: every instance compares against the same persisted
// timestamp, and a zero expiry counts as expired.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}
