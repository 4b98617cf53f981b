package oauth

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// UserInfoEndpoint is the URL returning the scoped profile of a bearer token's user
	UserInfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// RevocationEndpointAuthMethodsSupported lists how callers authenticate at the revocation endpoint
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
}

// ConsentClient identifies the client application on the consent screen
type ConsentClient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConsentResponse is returned by GET /oauth/authorize for a valid request.
// A consent UI renders it and posts the user's decision back.
type ConsentResponse struct {
	Client      ConsentClient `json:"client"`
	Scopes      []string      `json:"scopes"`
	RedirectURI string        `json:"redirect_uri"`
	State       string        `json:"state,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is the refresh token
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the space separated scope of the access token
	Scope string `json:"scope"`
}

// RevocationResponse acknowledges a revocation request
type RevocationResponse struct {
	Message string `json:"message"`
}
