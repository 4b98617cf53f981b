package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"time"
)

// Default scope names understood by the user info endpoint
const (
	ScopeProfile = "profile"
	ScopeEmail   = "email"
)

const oauthSecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/rfc9700"

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 2592000 (30 days)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// DefaultScopes are granted when an authorization request names no scope
	// Default: ["profile", "email"]
	DefaultScopes []string

	// SupportedScopes lists the scopes that clients may request
	// If empty, all scopes are allowed
	SupportedScopes []string

	// LoginURL is where the HTTP layer sends users without a session. The
	// original authorization URL is passed as the return_to query parameter.
	// When empty, unauthenticated requests get a 401 login_required error.
	LoginURL string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// AllowInsecureHTTP allows an http issuer on a non-loopback host (NOT RECOMMENDED)
	// Default: false
	AllowInsecureHTTP bool
}

// CodeTTL returns the authorization code lifetime
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// AccessTTL returns the access token lifetime
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RefreshTTL returns the refresh token lifetime
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if len(config.DefaultScopes) == 0 {
		config.DefaultScopes = []string{ScopeProfile, ScopeEmail}
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = 2592000 // 30 days
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.RefreshTokenTTL < config.AccessTokenTTL {
		logger.Warn("CONFIGURATION WARNING: Refresh tokens expire before access tokens",
			"access_token_ttl", config.AccessTokenTTL,
			"refresh_token_ttl", config.RefreshTokenTTL)
	}
	if config.AllowInsecureHTTP {
		logger.Error("CRITICAL SECURITY WARNING: HTTP is explicitly allowed",
			"risk", "All OAuth tokens and credentials exposed to network interception",
			"recommendation", "Use HTTPS in all environments",
			"learn_more", oauthSecurityBestPracticesURL)
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if err := c.validateIssuer(); err != nil {
		return err
	}

	for _, scope := range c.DefaultScopes {
		if err := validateScopeFormat(scope); err != nil {
			return fmt.Errorf("invalid default scope %q: %w", scope, err)
		}
		if len(c.SupportedScopes) > 0 && !slices.Contains(c.SupportedScopes, scope) {
			return fmt.Errorf("default scope %q is not in supported scopes", scope)
		}
	}
	for _, scope := range c.SupportedScopes {
		if err := validateScopeFormat(scope); err != nil {
			return fmt.Errorf("invalid supported scope %q: %w", scope, err)
		}
	}

	if c.LoginURL != "" {
		u, err := url.Parse(c.LoginURL)
		if err != nil || (u.Scheme == "" && u.Path == "") {
			return fmt.Errorf("invalid login url %q", c.LoginURL)
		}
	}
	return nil
}

// validateIssuer ensures the server runs over HTTPS. HTTP is accepted on
// loopback hosts for development, or anywhere when AllowInsecureHTTP is set.
func (c *Config) validateIssuer() error {
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		if isLocalhostHostname(issuerURL.Hostname()) || c.AllowInsecureHTTP {
			return nil
		}
		return fmt.Errorf(
			"issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP only for local development",
			issuerURL.Scheme, issuerURL.Hostname())
	default:
		return fmt.Errorf("invalid issuer URL scheme: %q (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname checks if a hostname refers to the local machine:
// "localhost", 0.0.0.0 or any loopback IP literal.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateScopeFormat validates a single scope token per RFC 6749 Section 3.3:
// scope-token = 1*( %x21 / %x23-5B / %x5D-7E )
func validateScopeFormat(scope string) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}

	for i, c := range scope {
		if c == '"' {
			return fmt.Errorf("scope cannot contain double-quote at position %d", i)
		}
		if c == '\\' {
			return fmt.Errorf("scope cannot contain backslash at position %d", i)
		}
		if c < 0x21 || c > 0x7E {
			return fmt.Errorf("scope contains invalid character at position %d (only printable ASCII allowed)", i)
		}
	}
	return nil
}
