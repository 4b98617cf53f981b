package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/armabattles/oauth-core/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	redirectURIs, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect uris: %w", err)
	}

	result, err := luaSaveRecord.Exec(ctx, s.client,
		[]string{s.clientKey(client.ID), s.clientsKey()},
		[]string{
			"0", client.ID,
			"id", client.ID,
			"name", client.Name,
			"secret_hash", client.SecretHash,
			"redirect_uris", string(redirectURIs),
			"revoked", formatBool(client.Revoked),
			"created_at", formatMillis(client.CreatedAt),
		},
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if result == resultExists {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ID)
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.start(ctx, "get_client")
	defer func() { done(err) }()

	fields, err := s.hashGetAll(ctx, s.clientKey(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrClientNotFound
	}
	return clientFromHash(fields)
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.start(ctx, "list_clients")
	defer func() { done(err) }()

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientsKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		fields, err := s.hashGetAll(ctx, s.clientKey(id))
		if err != nil {
			return nil, fmt.Errorf("failed to get client %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}
		client, err := clientFromHash(fields)
		if err != nil {
			s.logger.Warn("Failed to decode client, skipping", "client_id", id, "error", err)
			continue
		}
		clients = append(clients, client)
	}

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})
	return clients, nil
}

// RevokeClient revokes the client and every code and token issued to it
func (s *Store) RevokeClient(ctx context.Context, clientID string) (_ storage.RevocationSummary, err error) {
	ctx, done := s.start(ctx, "revoke_client")
	defer func() { done(err) }()

	var summary storage.RevocationSummary

	counts, err := luaRevokeClient.Exec(ctx, s.client,
		[]string{s.clientKey(clientID), s.clientCodesKey(clientID), s.clientTokensKey(clientID)},
		[]string{s.prefix},
	).AsIntSlice()
	if err != nil {
		return summary, fmt.Errorf("failed to revoke client: %w", err)
	}
	if len(counts) != 4 {
		return summary, fmt.Errorf("unexpected revoke client reply: %v", counts)
	}
	if counts[0] == 0 {
		return summary, storage.ErrClientNotFound
	}

	summary.Codes = counts[1]
	summary.AccessTokens = counts[2]
	summary.RefreshTokens = counts[3]

	s.logger.Info("Revoked client",
		"client_id", clientID,
		"codes", summary.Codes,
		"access_tokens", summary.AccessTokens,
		"refresh_tokens", summary.RefreshTokens)
	return summary, nil
}

func clientFromHash(fields map[string]string) (*storage.Client, error) {
	var redirectURIs []string
	if raw := fields["redirect_uris"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &redirectURIs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal redirect uris: %w", err)
		}
	}
	return &storage.Client{
		ID:           fields["id"],
		Name:         fields["name"],
		SecretHash:   fields["secret_hash"],
		RedirectURIs: redirectURIs,
		Revoked:      fields["revoked"] == "1",
		CreatedAt:    parseMillis(fields["created_at"]),
	}, nil
}
