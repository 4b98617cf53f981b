package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
// A nil Auditor discards events.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs when a user approves a client and an authorization code is minted
func (a *Auditor) LogCodeIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogAuthorizationDenied logs when a user declines a consent request
func (a *Auditor) LogAuthorizationDenied(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationDenied,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenIssued logs when a token pair is issued for an authorization code
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs when a refresh token is rotated
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": true,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogCodeReuseDetected logs a second redemption attempt of an already used code
func (a *Auditor) LogCodeReuseDetected(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity": "high",
		},
	})
}

// LogRefreshTokenReuseDetected logs a rotation attempt with a revoked refresh token
func (a *Auditor) LogRefreshTokenReuseDetected(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenReuseDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity": "high",
		},
	})
}

// LogCrossClientRefresh logs a client presenting another client's refresh token
func (a *Auditor) LogCrossClientRefresh(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCrossClientRefreshAttempt,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity": "high",
		},
	})
}

// LogInvalidRedirect logs a request naming an unregistered redirect URI
func (a *Auditor) LogInvalidRedirect(clientID, ipAddress, redirectURI string) {
	a.LogEvent(Event{
		Type:      EventInvalidRedirect,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"redirect_uri": redirectURI,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogClientCreated logs when a client is provisioned
func (a *Auditor) LogClientCreated(clientID string, redirectURIs []string) {
	a.LogEvent(Event{
		Type:     EventClientCreated,
		ClientID: clientID,
		Details: map[string]any{
			"redirect_uris": redirectURIs,
		},
	})
}

// LogClientRevoked logs when a client is revoked together with its descendants
func (a *Auditor) LogClientRevoked(clientID string, codes, accessTokens, refreshTokens int64) {
	a.LogEvent(Event{
		Type:     EventClientRevoked,
		ClientID: clientID,
		Details: map[string]any{
			"codes":          codes,
			"access_tokens":  accessTokens,
			"refresh_tokens": refreshTokens,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
