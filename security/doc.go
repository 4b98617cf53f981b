// Package security provides the security primitives used by the authorization server:
// client secret hashing, opaque value generation, expiry checks, rate limiting,
// request correlation, response hardening, and audit logging.
//
// # Secrets and opaque values
//
// Client secrets are stored as bcrypt hashes. CompareSecret always performs a
// bcrypt comparison, against a fixed dummy hash when the client does not exist,
// so response timing does not reveal which client IDs are registered.
//
// Authorization codes and tokens are produced by GenerateToken, which yields
// 256 bits of entropy encoded as base64url.
//
// # Rate Limiting
//
// The RateLimiter provides per-identifier rate limiting using a token bucket algorithm
// with LRU eviction so a distributed attack cannot grow memory without bound.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{RequestsPerSecond: 10, Burst: 20}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // answer 429
//	}
//
// # Audit Logging
//
// The Auditor writes "security_audit" records through slog. User identifiers are
// hashed before they are logged.
package security
