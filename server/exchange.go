package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/internal/util"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/storage"
)

// Grant types accepted by the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenTypeBearer is the token_type of every issued access token
const TokenTypeBearer = "Bearer"

// TokenRequest carries the grant parameters of a token request.
// Client authentication happens before Exchange is called.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	RefreshToken string
}

// Exchange dispatches a token request from an authenticated client on its grant
// type and returns the issued token together with its space separated scope.
func (s *Server) Exchange(ctx context.Context, client *storage.Client, req TokenRequest) (*oauth2.Token, string, error) {
	if client == nil {
		return nil, "", ErrInvalidClient("Client authentication failed")
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		if req.Code == "" {
			return nil, "", ErrInvalidRequest("Required parameter 'code' missing")
		}
		if req.RedirectURI == "" {
			return nil, "", ErrInvalidRequest("Required parameter 'redirect_uri' missing")
		}
		return s.ExchangeAuthorizationCode(ctx, req.Code, client.ID, req.RedirectURI)
	case GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			return nil, "", ErrInvalidRequest("Required parameter 'refresh_token' missing")
		}
		return s.RefreshAccessToken(ctx, req.RefreshToken, client.ID)
	case "":
		return nil, "", ErrInvalidRequest("Required parameter 'grant_type' missing")
	default:
		return nil, "", ErrUnsupportedGrantType(fmt.Sprintf("Grant type %s not supported", req.GrantType))
	}
}

// ExchangeAuthorizationCode redeems an authorization code issued to clientID for
// redirectURI and returns a new access/refresh token pair carrying the code's
// user and scopes.
//
// SECURITY: Redemption is a single atomic store call, so a code is exchanged at
// most once even under concurrent requests. Every failure is reported to the
// client as the same invalid_grant error.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string) (*oauth2.Token, string, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.exchange_code")
	defer span.End()

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))

	clientIP := security.ClientIPFromContext(ctx)
	codeHash := storage.HashToken(code)
	now := s.timestamp()
	accessValue, refreshValue, access, refresh := s.newTokenPair(now)

	pair, err := s.codeStore.RedeemAuthorizationCode(ctx, storage.RedeemParams{
		CodeHash:    codeHash,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Now:         now,
		Access:      access,
		Refresh:     refresh,
	})
	if err != nil {
		instrumentation.RecordError(span, err)

		switch {
		case errors.Is(err, storage.ErrCodeRevoked):
			// A redeemed code presented again indicates an intercepted code
			s.Logger.Error("Authorization code reuse detected",
				"client_id", clientID,
				"ip", clientIP,
				"code_prefix", util.SafeTruncate(codeHash, tokenLogLength))
			s.Auditor.LogCodeReuseDetected("", clientID, clientIP)
			s.metrics.RecordCodeReuse(ctx)
			instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, true))
		case errors.Is(err, storage.ErrCodeNotFound),
			errors.Is(err, storage.ErrCodeExpired),
			errors.Is(err, storage.ErrRedirectURIMismatch):
			s.Logger.Debug("Authorization code validation failed",
				"reason", err.Error(),
				"client_id", clientID,
				"code_prefix", util.SafeTruncate(codeHash, tokenLogLength))
			s.Auditor.LogAuthFailure("", clientID, clientIP, "invalid_authorization_code")
		default:
			return nil, "", ErrServerError("Failed to exchange authorization code").withCause(err)
		}

		return nil, "", ErrInvalidGrant("Authorization code is invalid or expired").withCause(err)
	}

	scope := storage.JoinScopes(pair.Access.Scopes)
	s.Logger.Info("Issued tokens for authorization code",
		"client_id", clientID,
		"scope", scope)
	s.Auditor.LogTokenIssued(pair.Access.UserID, clientID, clientIP, scope)
	s.metrics.RecordCodeExchange(ctx, clientID)
	instrumentation.AddOAuthFlowAttributes(span, "", pair.Access.UserID, scope)
	instrumentation.SetSpanSuccess(span)

	return s.tokenFor(pair, accessValue, refreshValue), scope, nil
}

// RefreshAccessToken rotates a refresh token held by clientID: the old access
// and refresh tokens are revoked and a new pair with the same user and scopes
// is issued.
//
// SECURITY: Rotation is a single atomic store call. A refresh token is usable
// once, and a token issued to another client is rejected without side effects.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*oauth2.Token, string, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.refresh_token")
	defer span.End()

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))

	clientIP := security.ClientIPFromContext(ctx)
	tokenHash := storage.HashToken(refreshToken)
	now := s.timestamp()
	accessValue, refreshValue, access, refresh := s.newTokenPair(now)

	pair, err := s.tokenStore.RotateRefreshToken(ctx, storage.RotateParams{
		TokenHash: tokenHash,
		ClientID:  clientID,
		Now:       now,
		Access:    access,
		Refresh:   refresh,
	})
	if err != nil {
		instrumentation.RecordError(span, err)

		switch {
		case errors.Is(err, storage.ErrTokenRevoked):
			// A rotated refresh token presented again indicates a stolen token
			s.Logger.Error("Refresh token reuse detected",
				"client_id", clientID,
				"ip", clientIP,
				"token_prefix", util.SafeTruncate(tokenHash, tokenLogLength))
			s.Auditor.LogRefreshTokenReuseDetected(clientID, clientIP)
			s.metrics.RecordTokenReuse(ctx)
			instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenReuse, true))
		case errors.Is(err, storage.ErrClientMismatch):
			s.Logger.Warn("Refresh token presented by a different client",
				"client_id", clientID,
				"ip", clientIP)
			s.Auditor.LogCrossClientRefresh(clientID, clientIP)
		case errors.Is(err, storage.ErrTokenNotFound),
			errors.Is(err, storage.ErrTokenExpired):
			s.Logger.Debug("Refresh token validation failed",
				"reason", err.Error(),
				"client_id", clientID,
				"token_prefix", util.SafeTruncate(tokenHash, tokenLogLength))
			s.Auditor.LogAuthFailure("", clientID, clientIP, "invalid_refresh_token")
		default:
			return nil, "", ErrServerError("Failed to refresh token").withCause(err)
		}

		return nil, "", ErrInvalidGrant("Refresh token is invalid or expired").withCause(err)
	}

	scope := storage.JoinScopes(pair.Access.Scopes)
	s.Logger.Info("Rotated refresh token", "client_id", clientID)
	s.Auditor.LogTokenRefreshed(pair.Access.UserID, clientID, clientIP)
	s.metrics.RecordTokenRefresh(ctx, clientID)
	instrumentation.AddOAuthFlowAttributes(span, "", pair.Access.UserID, scope)
	instrumentation.SetSpanSuccess(span)

	return s.tokenFor(pair, accessValue, refreshValue), scope, nil
}

// newTokenPair mints opaque values and the record templates the store fills in
func (s *Server) newTokenPair(now time.Time) (accessValue, refreshValue string, access storage.AccessToken, refresh storage.RefreshToken) {
	accessValue = generateRandomToken()
	refreshValue = generateRandomToken()

	access = storage.AccessToken{
		ID:        uuid.NewString(),
		TokenHash: storage.HashToken(accessValue),
		ExpiresAt: now.Add(s.Config.AccessTTL()),
		CreatedAt: now,
	}
	refresh = storage.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: storage.HashToken(refreshValue),
		ExpiresAt: now.Add(s.Config.RefreshTTL()),
		CreatedAt: now,
	}
	return accessValue, refreshValue, access, refresh
}

// tokenFor builds the token response for a stored pair
func (s *Server) tokenFor(pair *storage.TokenPair, accessValue, refreshValue string) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  accessValue,
		TokenType:    TokenTypeBearer,
		RefreshToken: refreshValue,
		Expiry:       pair.Access.ExpiresAt,
		ExpiresIn:    s.Config.AccessTokenTTL,
	}
}
