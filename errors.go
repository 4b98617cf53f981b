package oauth

import (
	"github.com/armabattles/oauth-core/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope         = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken         = server.ErrorCodeInvalidToken
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError          = server.ErrorCodeServerError
	ErrorCodeAccessDenied         = server.ErrorCodeAccessDenied
	ErrorCodeLoginRequired        = server.ErrorCodeLoginRequired
	ErrorCodeRateLimitExceeded    = server.ErrorCodeRateLimitExceeded
)

// Error represents an OAuth 2.0 error response
type Error = server.Error

// Common OAuth errors, shared with the server package
var (
	NewError                = server.NewError
	AsError                 = server.AsError
	ErrInvalidRequest       = server.ErrInvalidRequest
	ErrInvalidGrant         = server.ErrInvalidGrant
	ErrInvalidClient        = server.ErrInvalidClient
	ErrInvalidScope         = server.ErrInvalidScope
	ErrInvalidToken         = server.ErrInvalidToken
	ErrUnsupportedGrantType = server.ErrUnsupportedGrantType
	ErrServerError          = server.ErrServerError
	ErrAccessDenied         = server.ErrAccessDenied
	ErrLoginRequired        = server.ErrLoginRequired
)
