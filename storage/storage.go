package storage

import (
	"context"
	"slices"
	"time"
)

// ClientStore defines the interface for managing registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a new client. Returns ErrClientExists if the ID is taken.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID, including revoked clients.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// RevokeClient marks the client revoked and revokes every authorization code,
	// access token and refresh token issued to it.
	// SECURITY: Implementations must propagate revocation explicitly. Clients are
	// never deleted, so there is no cascade to rely on.
	RevokeClient(ctx context.Context, clientID string) (RevocationSummary, error)
}

// CodeStore defines the interface for managing authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly minted authorization code.
	// Returns ErrDuplicateValue if the code digest already exists.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code by digest without consuming it.
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)

	// RedeemAuthorizationCode atomically consumes an authorization code and
	// persists the token pair issued for it.
	//
	// In one indivisible step the implementation must:
	//   - find the code by digest, scoped to params.ClientID (ErrCodeNotFound)
	//   - reject it if revoked (ErrCodeRevoked) or expired at params.Now (ErrCodeExpired)
	//   - reject it if params.RedirectURI differs from the bound URI (ErrRedirectURIMismatch)
	//     without consuming it
	//   - mark it revoked
	//   - save params.Access and params.Refresh with UserID, ClientID and Scopes
	//     copied from the code and Refresh.AccessTokenID set to Access.ID
	//
	// SECURITY: This operation MUST be atomic. Concurrent redemptions of the same
	// code must yield exactly one success.
	RedeemAuthorizationCode(ctx context.Context, params RedeemParams) (*TokenPair, error)
}

// TokenStore defines the interface for managing access and refresh tokens.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// GetAccessToken retrieves an access token by digest, including revoked and expired ones.
	GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error)

	// GetRefreshToken retrieves a refresh token by digest, including revoked and expired ones.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RevokeAccessToken marks an access token revoked. Returns ErrTokenNotFound if
	// no token matches. Revoking an already revoked token is not an error.
	RevokeAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error)

	// RevokeRefreshToken marks a refresh token revoked. Returns ErrTokenNotFound if
	// no token matches. The paired access token is left untouched.
	RevokeRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RotateRefreshToken atomically exchanges a refresh token for a new token pair.
	//
	// In one indivisible step the implementation must:
	//   - find the refresh token by digest (ErrTokenNotFound)
	//   - reject it if revoked (ErrTokenRevoked) or expired at params.Now (ErrTokenExpired)
	//   - resolve its access token and reject the request if that token was issued
	//     to a client other than params.ClientID (ErrClientMismatch), leaving both untouched
	//   - revoke the old refresh token and the old access token
	//   - save params.Access and params.Refresh with UserID, ClientID and Scopes
	//     copied from the old access token
	//
	// SECURITY: This operation MUST be atomic. A refresh token can be rotated at most once.
	RotateRefreshToken(ctx context.Context, params RotateParams) (*TokenPair, error)
}

// Store is implemented by backends that provide every storage interface.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
}

// Purger is implemented by stores that can delete expired records on demand.
// Expired records never affect correctness, so purging is housekeeping only.
type Purger interface {
	// PurgeExpired deletes codes and tokens that expired before the given instant.
	// Returns the number of records removed.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Client is a registered client application.
// Clients are never deleted, only revoked.
type Client struct {
	ID           string
	Name         string
	SecretHash   string // bcrypt hash
	RedirectURIs []string
	Revoked      bool
	CreatedAt    time.Time
}

// HasRedirectURI reports whether uri is registered for the client (exact match).
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthorizationCode is a short-lived, single-use credential proving user consent.
type AuthorizationCode struct {
	ID          string
	UserID      string
	ClientID    string
	Scopes      []string
	CodeHash    string // HashToken of the opaque code value
	RedirectURI string
	ExpiresAt   time.Time
	Revoked     bool
	CreatedAt   time.Time
}

// Valid reports whether the code can still be redeemed at now.
func (c *AuthorizationCode) Valid(now time.Time) bool {
	return !c.Revoked && now.Before(c.ExpiresAt)
}

// AccessToken is a bearer credential granting scoped access for a bounded lifetime.
type AccessToken struct {
	ID        string
	UserID    string
	ClientID  string
	Scopes    []string
	TokenHash string // HashToken of the opaque token value
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Valid reports whether the token is usable at now.
func (t *AccessToken) Valid(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// HasScope reports whether the token was granted scope.
func (t *AccessToken) HasScope(scope string) bool {
	return slices.Contains(t.Scopes, scope)
}

// RefreshToken is a longer-lived credential used to rotate its AccessToken.
type RefreshToken struct {
	ID            string
	AccessTokenID string
	TokenHash     string // HashToken of the opaque token value
	ExpiresAt     time.Time
	Revoked       bool
	CreatedAt     time.Time
}

// Valid reports whether the token is usable at now.
func (t *RefreshToken) Valid(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// TokenPair is an access token together with its refresh token.
type TokenPair struct {
	Access  *AccessToken
	Refresh *RefreshToken
}

// RedeemParams carries the input of CodeStore.RedeemAuthorizationCode.
// Access and Refresh are templates: the store fills in ownership and scopes.
type RedeemParams struct {
	CodeHash    string
	ClientID    string
	RedirectURI string
	Now         time.Time
	Access      AccessToken
	Refresh     RefreshToken
}

// RotateParams carries the input of TokenStore.RotateRefreshToken.
// Access and Refresh are templates: the store fills in ownership and scopes.
type RotateParams struct {
	TokenHash string
	ClientID  string
	Now       time.Time
	Access    AccessToken
	Refresh   RefreshToken
}

// RevocationSummary reports what ClientStore.RevokeClient touched.
type RevocationSummary struct {
	Codes         int64
	AccessTokens  int64
	RefreshTokens int64
}

// Total returns the number of descendant records revoked.
func (s RevocationSummary) Total() int64 {
	return s.Codes + s.AccessTokens + s.RefreshTokens
}

// CopyStrings returns a copy of s so stored records never alias caller slices.
func CopyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
