package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/storage"
)

// Token type hints accepted by the revocation endpoint (RFC 7009)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// RevokeToken revokes an access or refresh token (RFC 7009).
//
// The hint selects which kind is searched first; an empty or unknown hint
// means access_token. When the hinted kind has no match the other kind is
// searched. An unknown token is not an error, so callers cannot learn which
// values exist. Only store failures are returned.
func (s *Server) RevokeToken(ctx context.Context, token, hint string) error {
	ctx, span := s.startSpan(ctx, "oauth.server.revoke_token")
	defer span.End()

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenTypeHint, hint))

	if token == "" {
		return nil
	}

	order := []string{TokenTypeHintAccessToken, TokenTypeHintRefreshToken}
	if hint == TokenTypeHintRefreshToken {
		order = []string{TokenTypeHintRefreshToken, TokenTypeHintAccessToken}
	}

	tokenHash := storage.HashToken(token)
	for _, tokenType := range order {
		userID, clientID, err := s.revokeByType(ctx, tokenHash, tokenType)
		if errors.Is(err, storage.ErrTokenNotFound) {
			continue
		}
		if err != nil {
			instrumentation.RecordError(span, err)
			return ErrServerError("Failed to revoke token").withCause(err)
		}

		s.Logger.Info("Revoked token", "token_type", tokenType, "client_id", clientID)
		s.Auditor.LogTokenRevoked(userID, clientID, security.ClientIPFromContext(ctx), tokenType)
		s.metrics.RecordTokenRevocation(ctx, tokenType)
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	s.Logger.Debug("Revocation requested for unknown token", "hint", hint)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// revokeByType revokes the token of the given kind and reports its owner, when known
func (s *Server) revokeByType(ctx context.Context, tokenHash, tokenType string) (userID, clientID string, err error) {
	if tokenType == TokenTypeHintRefreshToken {
		if _, err := s.tokenStore.RevokeRefreshToken(ctx, tokenHash); err != nil {
			return "", "", err
		}
		return "", "", nil
	}

	access, err := s.tokenStore.RevokeAccessToken(ctx, tokenHash)
	if err != nil {
		return "", "", err
	}
	return access.UserID, access.ClientID, nil
}
