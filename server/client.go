package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/armabattles/oauth-core/internal/util"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/storage"
)

// LookupClient retrieves a registered client by ID, including revoked clients.
// Returns an error wrapping storage.ErrClientNotFound if no client matches.
func (s *Server) LookupClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("lookup client: %w", err)
	}
	return client, nil
}

// ValidateRedirectURI reports whether uri exactly matches one of the client's
// registered redirect URIs. Every candidate is compared in constant time and
// there is no wildcard or prefix matching.
func (s *Server) ValidateRedirectURI(client *storage.Client, uri string) bool {
	if client == nil || uri == "" {
		return false
	}

	match := 0
	for _, registered := range client.RedirectURIs {
		match |= subtle.ConstantTimeCompare([]byte(registered), []byte(uri))
	}
	return match == 1
}

// ValidateClientSecret reports whether secret matches the client's stored hash.
// A nil client is compared against a dummy hash so the cost is the same.
func (s *Server) ValidateClientSecret(client *storage.Client, secret string) bool {
	if client == nil {
		return security.CompareSecret("", secret)
	}
	return security.CompareSecret(client.SecretHash, secret)
}

// AuthenticateClient authenticates a confidential client at the token endpoint.
// Unknown clients, wrong secrets and revoked clients all fail with the same
// invalid_client error.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	clientIP := security.ClientIPFromContext(ctx)

	if clientID == "" || secret == "" {
		s.recordClientAuthFailure(ctx, clientID, clientIP, "missing_credentials")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrServerError("Failed to authenticate client").withCause(err)
		}
		s.ValidateClientSecret(nil, secret)
		s.recordClientAuthFailure(ctx, clientID, clientIP, "unknown_client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if !s.ValidateClientSecret(client, secret) {
		s.recordClientAuthFailure(ctx, clientID, clientIP, "invalid_secret")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if client.Revoked {
		s.recordClientAuthFailure(ctx, clientID, clientIP, "client_revoked")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	return client, nil
}

func (s *Server) recordClientAuthFailure(ctx context.Context, clientID, clientIP, reason string) {
	s.Logger.Warn("Client authentication failed",
		"client_id", clientID,
		"ip", clientIP,
		"reason", reason)
	s.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	s.metrics.RecordClientAuthFailure(ctx, reason)
}

// CreateClient provisions a new confidential client and returns it together with
// its plaintext secret. Only the bcrypt hash of the secret is stored, so the
// secret cannot be recovered later.
func (s *Server) CreateClient(ctx context.Context, name string, redirectURIs []string) (*storage.Client, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("client name is required")
	}
	if len(redirectURIs) == 0 {
		return nil, "", fmt.Errorf("at least one redirect uri is required")
	}
	for _, uri := range redirectURIs {
		if err := util.ValidateRedirectURI(uri); err != nil {
			return nil, "", err
		}
	}

	secret, err := security.GenerateClientSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := security.HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	client := &storage.Client{
		ID:           uuid.NewString(),
		Name:         name,
		SecretHash:   hash,
		RedirectURIs: storage.CopyStrings(redirectURIs),
		CreatedAt:    s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("save client: %w", err)
	}

	s.Logger.Info("Created client",
		"client_id", client.ID,
		"name", client.Name,
		"redirect_uris", len(client.RedirectURIs))
	s.Auditor.LogClientCreated(client.ID, client.RedirectURIs)

	return client, secret, nil
}

// ListClients lists all registered clients, including revoked ones.
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	clients, err := s.clientStore.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}

// RevokeClient revokes a client together with every code and token issued to it.
func (s *Server) RevokeClient(ctx context.Context, clientID string) (storage.RevocationSummary, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.revoke_client")
	defer span.End()

	summary, err := s.clientStore.RevokeClient(ctx, clientID)
	if err != nil {
		return storage.RevocationSummary{}, fmt.Errorf("revoke client: %w", err)
	}

	s.Logger.Info("Revoked client",
		"client_id", clientID,
		"codes", summary.Codes,
		"access_tokens", summary.AccessTokens,
		"refresh_tokens", summary.RefreshTokens)
	s.Auditor.LogClientRevoked(clientID, summary.Codes, summary.AccessTokens, summary.RefreshTokens)
	s.metrics.RecordClientRevocation(ctx, clientID)

	return summary, nil
}
