package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

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

	_, err = s.exec(ctx, s.db,
		`INSERT INTO oauth_clients (id, name, secret_hash, redirect_uris, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.SecretHash, string(redirectURIs), client.Revoked, toMillis(client.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ID)
		}
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

const clientColumns = `id, name, secret_hash, redirect_uris, revoked, created_at`

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.start(ctx, "get_client")
	defer func() { done(err) }()

	row := s.queryRow(ctx, s.db, `SELECT `+clientColumns+` FROM oauth_clients WHERE id = ?`, clientID)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.start(ctx, "list_clients")
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM oauth_clients ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

// RevokeClient revokes the client and every code and token issued to it
func (s *Store) RevokeClient(ctx context.Context, clientID string) (_ storage.RevocationSummary, err error) {
	ctx, done := s.start(ctx, "revoke_client")
	defer func() { done(err) }()

	var summary storage.RevocationSummary

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var revoked bool
		err := s.queryRow(ctx, tx, `SELECT revoked FROM oauth_clients WHERE id = ?`, clientID).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrClientNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load client: %w", err)
		}

		if _, err := s.exec(ctx, tx, `UPDATE oauth_clients SET revoked = TRUE WHERE id = ?`, clientID); err != nil {
			return fmt.Errorf("failed to revoke client: %w", err)
		}

		if summary.Codes, err = s.execCount(ctx, tx,
			`UPDATE oauth_authorization_codes SET revoked = TRUE WHERE client_id = ? AND revoked = FALSE`,
			clientID); err != nil {
			return fmt.Errorf("failed to revoke authorization codes: %w", err)
		}

		if summary.RefreshTokens, err = s.execCount(ctx, tx,
			`UPDATE oauth_refresh_tokens SET revoked = TRUE
			 WHERE revoked = FALSE
			   AND access_token_id IN (SELECT id FROM oauth_access_tokens WHERE client_id = ?)`,
			clientID); err != nil {
			return fmt.Errorf("failed to revoke refresh tokens: %w", err)
		}

		if summary.AccessTokens, err = s.execCount(ctx, tx,
			`UPDATE oauth_access_tokens SET revoked = TRUE WHERE client_id = ? AND revoked = FALSE`,
			clientID); err != nil {
			return fmt.Errorf("failed to revoke access tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return storage.RevocationSummary{}, err
	}

	s.logger.Info("Revoked client",
		"client_id", clientID,
		"codes", summary.Codes,
		"access_tokens", summary.AccessTokens,
		"refresh_tokens", summary.RefreshTokens)
	return summary, nil
}

// execCount executes a statement and returns the number of affected rows
func (s *Store) execCount(ctx context.Context, db execer, query string, args ...any) (int64, error) {
	res, err := s.exec(ctx, db, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var (
		c            storage.Client
		redirectURIs string
		createdAt    int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.SecretHash, &redirectURIs, &c.Revoked, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(redirectURIs), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redirect uris: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}
