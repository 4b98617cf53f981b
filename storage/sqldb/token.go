package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/armabattles/oauth-core/internal/util"
	"github.com/armabattles/oauth-core/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// GetAccessToken retrieves an access token by digest
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (_ *storage.AccessToken, err error) {
	ctx, done := s.start(ctx, "get_access_token")
	defer func() { done(err) }()

	return s.getAccessToken(ctx, s.db, `token_hash = ?`, tokenHash)
}

func (s *Store) getAccessToken(ctx context.Context, db queryer, where string, arg any) (*storage.AccessToken, error) {
	var (
		t                    storage.AccessToken
		scopes               string
		expiresAt, createdAt int64
	)
	err := s.queryRow(ctx, db,
		`SELECT id, token_hash, user_id, client_id, scopes, expires_at, revoked, created_at
		 FROM oauth_access_tokens WHERE `+where, arg).
		Scan(&t.ID, &t.TokenHash, &t.UserID, &t.ClientID, &scopes, &expiresAt, &t.Revoked, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	t.Scopes = storage.SplitScopes(scopes)
	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

// GetRefreshToken retrieves a refresh token by digest
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	return s.getRefreshToken(ctx, s.db, tokenHash)
}

func (s *Store) getRefreshToken(ctx context.Context, db queryer, tokenHash string) (*storage.RefreshToken, error) {
	var (
		t                    storage.RefreshToken
		expiresAt, createdAt int64
	)
	err := s.queryRow(ctx, db,
		`SELECT id, access_token_id, token_hash, expires_at, revoked, created_at
		 FROM oauth_refresh_tokens WHERE token_hash = ?`, tokenHash).
		Scan(&t.ID, &t.AccessTokenID, &t.TokenHash, &expiresAt, &t.Revoked, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

// RevokeAccessToken marks an access token revoked
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash string) (_ *storage.AccessToken, err error) {
	ctx, done := s.start(ctx, "revoke_access_token")
	defer func() { done(err) }()

	var token *storage.AccessToken
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `UPDATE oauth_access_tokens SET revoked = TRUE WHERE token_hash = ?`, tokenHash); err != nil {
			return fmt.Errorf("failed to revoke access token: %w", err)
		}
		var err error
		token, err = s.getAccessToken(ctx, tx, `token_hash = ?`, tokenHash)
		return err
	})
	return token, err
}

// RevokeRefreshToken marks a refresh token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	var token *storage.RefreshToken
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `UPDATE oauth_refresh_tokens SET revoked = TRUE WHERE token_hash = ?`, tokenHash); err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		var err error
		token, err = s.getRefreshToken(ctx, tx, tokenHash)
		return err
	})
	return token, err
}

// RotateRefreshToken atomically revokes a refresh token and its access token and
// saves the replacement pair.
//
// SECURITY: The refresh token is consumed by a conditional UPDATE inside the
// transaction, so a refresh token rotates at most once.
func (s *Store) RotateRefreshToken(ctx context.Context, params storage.RotateParams) (_ *storage.TokenPair, err error) {
	ctx, done := s.start(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if err := validateTemplates(&params.Access, &params.Refresh); err != nil {
		return nil, err
	}

	var pair *storage.TokenPair
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		refresh, err := s.getRefreshToken(ctx, tx, params.TokenHash)
		if err != nil {
			return err
		}
		if refresh.Revoked {
			return storage.ErrTokenRevoked
		}
		if !params.Now.Before(refresh.ExpiresAt) {
			return storage.ErrTokenExpired
		}

		access, err := s.getAccessToken(ctx, tx, `id = ?`, refresh.AccessTokenID)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return fmt.Errorf("%w: access token for refresh token missing", storage.ErrTokenNotFound)
			}
			return err
		}
		if access.ClientID != params.ClientID {
			return storage.ErrClientMismatch
		}

		consumed, err := s.execCount(ctx, tx,
			`UPDATE oauth_refresh_tokens SET revoked = TRUE
			 WHERE token_hash = ? AND revoked = FALSE AND expires_at > ?`,
			params.TokenHash, toMillis(params.Now))
		if err != nil {
			return fmt.Errorf("failed to consume refresh token: %w", err)
		}
		if consumed != 1 {
			return storage.ErrTokenRevoked
		}

		if _, err := s.exec(ctx, tx, `UPDATE oauth_access_tokens SET revoked = TRUE WHERE id = ?`, access.ID); err != nil {
			return fmt.Errorf("failed to revoke access token: %w", err)
		}

		pair = fillPair(params.Access, params.Refresh, access.UserID, access.ClientID, storage.JoinScopes(access.Scopes))
		return s.insertPair(ctx, tx, pair)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Rotated refresh token",
		"client_id", params.ClientID,
		"token_prefix", util.SafeTruncate(params.TokenHash, hashLogLength))
	return pair, nil
}

// ============================================================
// Purger Implementation
// ============================================================

// PurgeExpired deletes codes and tokens that expired before the given instant.
// An access token is kept while its refresh token remains, because rotation
// reads ownership and scopes from it.
func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (_ int64, err error) {
	ctx, done := s.start(ctx, "purge_expired")
	defer func() { done(err) }()

	cutoff := toMillis(before)
	var removed int64

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			`DELETE FROM oauth_authorization_codes WHERE expires_at < ?`,
			`DELETE FROM oauth_refresh_tokens WHERE expires_at < ?`,
			`DELETE FROM oauth_access_tokens
			 WHERE expires_at < ?
			   AND NOT EXISTS (
			       SELECT 1 FROM oauth_refresh_tokens r WHERE r.access_token_id = oauth_access_tokens.id
			   )`,
		}
		for _, stmt := range statements {
			n, err := s.execCount(ctx, tx, stmt, cutoff)
			if err != nil {
				return fmt.Errorf("failed to purge expired records: %w", err)
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Debug("Storage cleanup completed", "removed", removed)
	}
	return removed, nil
}
