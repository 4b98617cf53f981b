package server

import (
	"context"
	"errors"
	"slices"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/providers"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/storage"
)

// UserClaims is the scoped view of a user exposed to a bearer token holder.
// Fields not covered by the token's scopes are left empty and omitted on the wire.
type UserClaims struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	Username      string `json:"username,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
}

// ResolvedToken is a valid access token together with the claims it grants.
type ResolvedToken struct {
	Token  *storage.AccessToken
	Claims *UserClaims
}

// ResolveBearer validates a bearer access token and builds the user claims
// granted by its scopes. It fails with invalid_token when the token is unknown,
// revoked or expired, or when its user no longer exists.
func (s *Server) ResolveBearer(ctx context.Context, token string) (*ResolvedToken, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.resolve_bearer")
	defer span.End()

	if token == "" {
		instrumentation.SetSpanError(span, "token missing")
		return nil, ErrInvalidToken("Access token is invalid or expired")
	}

	record, err := s.tokenStore.GetAccessToken(ctx, storage.HashToken(token))
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrInvalidToken("Access token is invalid or expired").withCause(err)
		}
		return nil, ErrServerError("Failed to validate access token").withCause(err)
	}

	if record.Revoked || security.IsExpired(record.ExpiresAt, s.now()) {
		instrumentation.SetSpanError(span, "token revoked or expired")
		s.Logger.Debug("Rejected access token",
			"client_id", record.ClientID,
			"revoked", record.Revoked,
			"expires_at", record.ExpiresAt)
		return nil, ErrInvalidToken("Access token is invalid or expired")
	}

	instrumentation.AddOAuthFlowAttributes(span, record.ClientID, record.UserID, storage.JoinScopes(record.Scopes))

	user, err := s.users.GetUser(ctx, record.UserID)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, providers.ErrUserNotFound) {
			s.Logger.Warn("Access token belongs to an unknown user", "client_id", record.ClientID)
			return nil, ErrInvalidToken("Access token is invalid or expired").withCause(err)
		}
		return nil, ErrServerError("Failed to load user").withCause(err)
	}

	instrumentation.SetSpanSuccess(span)
	return &ResolvedToken{
		Token:  record,
		Claims: ClaimsFor(user, record.Scopes),
	}, nil
}

// ClaimsFor builds the claims a token with the given scopes may see:
// "profile" exposes id, name, username and avatar; "email" exposes email and
// email_verified. A missing username falls back to the display name.
func ClaimsFor(user *providers.UserInfo, scopes []string) *UserClaims {
	claims := &UserClaims{}

	if slices.Contains(scopes, ScopeProfile) {
		claims.ID = user.ID
		claims.Name = user.Name
		claims.Username = user.Username
		if claims.Username == "" {
			claims.Username = user.Name
		}
		claims.Avatar = user.Avatar
	}

	if slices.Contains(scopes, ScopeEmail) {
		claims.Email = user.Email
		verified := user.EmailVerified
		claims.EmailVerified = &verified
	}

	return claims
}
