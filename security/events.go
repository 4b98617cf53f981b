package security

// Event type constants for security audit logging.
const (
	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when a user approves a client and a code is minted
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when a user declines a consent request
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeReuseDetected is logged when a redeemed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventInvalidRedirect is logged when a request names an unregistered redirect URI
	EventInvalidRedirect = "invalid_redirect"

	// Token lifecycle events

	// EventTokenIssued is logged when an access/refresh pair is issued for a code
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventRefreshTokenReuseDetected is logged when a rotated or revoked refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// EventCrossClientRefreshAttempt is logged when a client presents another client's refresh token
	EventCrossClientRefreshAttempt = "cross_client_refresh_attempt"

	// Client events

	// EventClientCreated is logged when a client is provisioned
	EventClientCreated = "client_created"

	// EventClientRevoked is logged when a client and its descendants are revoked
	EventClientRevoked = "client_revoked"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidScope is logged when a request asks for an unsupported scope
	EventInvalidScope = "invalid_scope"
)
