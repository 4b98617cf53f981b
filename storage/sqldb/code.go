package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/armabattles/oauth-core/internal/util"
	"github.com/armabattles/oauth-core/storage"
)

// hashLogLength is the number of digest characters included in log lines
const hashLogLength = 8

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves a freshly minted authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.start(ctx, "save_code")
	defer func() { done(err) }()

	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("invalid authorization code")
	}

	_, err = s.exec(ctx, s.db,
		`INSERT INTO oauth_authorization_codes
		 (id, code_hash, user_id, client_id, scopes, redirect_uri, expires_at, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID, code.CodeHash, code.UserID, code.ClientID, storage.JoinScopes(code.Scopes),
		code.RedirectURI, toMillis(code.ExpiresAt), code.Revoked, toMillis(code.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateValue
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.CodeHash, hashLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code by digest
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.start(ctx, "get_code")
	defer func() { done(err) }()

	var (
		c                    storage.AuthorizationCode
		scopes               string
		expiresAt, createdAt int64
	)
	err = s.queryRow(ctx, s.db,
		`SELECT id, code_hash, user_id, client_id, scopes, redirect_uri, expires_at, revoked, created_at
		 FROM oauth_authorization_codes WHERE code_hash = ?`, codeHash).
		Scan(&c.ID, &c.CodeHash, &c.UserID, &c.ClientID, &scopes, &c.RedirectURI, &expiresAt, &c.Revoked, &createdAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !storage.DigestEqual(c.CodeHash, codeHash)) {
		return nil, storage.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	c.Scopes = storage.SplitScopes(scopes)
	c.ExpiresAt = fromMillis(expiresAt)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// RedeemAuthorizationCode atomically consumes a code and saves the issued token pair.
//
// SECURITY: The code is consumed by a conditional UPDATE that only matches an
// unredeemed, unexpired code bound to the client and redirect URI. The database
// lets exactly one concurrent transaction match it.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, params storage.RedeemParams) (_ *storage.TokenPair, err error) {
	ctx, done := s.start(ctx, "redeem_code")
	defer func() { done(err) }()

	if err := validateTemplates(&params.Access, &params.Refresh); err != nil {
		return nil, err
	}

	var pair *storage.TokenPair
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		consumed, err := s.execCount(ctx, tx,
			`UPDATE oauth_authorization_codes SET revoked = TRUE
			 WHERE code_hash = ? AND client_id = ? AND redirect_uri = ?
			   AND revoked = FALSE AND expires_at > ?`,
			params.CodeHash, params.ClientID, params.RedirectURI, toMillis(params.Now))
		if err != nil {
			return fmt.Errorf("failed to consume authorization code: %w", err)
		}
		if consumed != 1 {
			return s.classifyRedeemFailure(ctx, tx, params)
		}

		var userID, scopes string
		err = s.queryRow(ctx, tx,
			`SELECT user_id, scopes FROM oauth_authorization_codes WHERE code_hash = ?`,
			params.CodeHash).Scan(&userID, &scopes)
		if err != nil {
			return fmt.Errorf("failed to load authorization code: %w", err)
		}

		pair = fillPair(params.Access, params.Refresh, userID, params.ClientID, scopes)
		return s.insertPair(ctx, tx, pair)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Redeemed authorization code",
		"client_id", params.ClientID,
		"code_prefix", util.SafeTruncate(params.CodeHash, hashLogLength))
	return pair, nil
}

// classifyRedeemFailure explains why the conditional UPDATE matched no row
func (s *Store) classifyRedeemFailure(ctx context.Context, tx *sql.Tx, params storage.RedeemParams) error {
	var (
		clientID, redirectURI string
		revoked               bool
		expiresAt             int64
	)
	err := s.queryRow(ctx, tx,
		`SELECT client_id, redirect_uri, revoked, expires_at FROM oauth_authorization_codes WHERE code_hash = ?`,
		params.CodeHash).Scan(&clientID, &redirectURI, &revoked, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load authorization code: %w", err)
	}

	switch {
	case clientID != params.ClientID:
		return storage.ErrCodeNotFound
	case revoked:
		return storage.ErrCodeRevoked
	case toMillis(params.Now) >= expiresAt:
		return storage.ErrCodeExpired
	case redirectURI != params.RedirectURI:
		return storage.ErrRedirectURIMismatch
	default:
		// Matched on re-read, so a concurrent redemption won the row.
		return storage.ErrCodeRevoked
	}
}

func validateTemplates(access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access.ID == "" || access.TokenHash == "" || refresh.ID == "" || refresh.TokenHash == "" {
		return fmt.Errorf("invalid token pair")
	}
	return nil
}

// fillPair fills the templates with ownership and scopes
func fillPair(access storage.AccessToken, refresh storage.RefreshToken, userID, clientID, scopes string) *storage.TokenPair {
	access.UserID = userID
	access.ClientID = clientID
	access.Scopes = storage.SplitScopes(scopes)
	refresh.AccessTokenID = access.ID
	return &storage.TokenPair{Access: &access, Refresh: &refresh}
}

// insertPair writes a token pair inside tx
func (s *Store) insertPair(ctx context.Context, tx *sql.Tx, pair *storage.TokenPair) error {
	a, r := pair.Access, pair.Refresh

	_, err := s.exec(ctx, tx,
		`INSERT INTO oauth_access_tokens
		 (id, token_hash, user_id, client_id, scopes, expires_at, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TokenHash, a.UserID, a.ClientID, storage.JoinScopes(a.Scopes),
		toMillis(a.ExpiresAt), false, toMillis(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateValue
		}
		return fmt.Errorf("failed to save access token: %w", err)
	}

	_, err = s.exec(ctx, tx,
		`INSERT INTO oauth_refresh_tokens
		 (id, access_token_id, token_hash, expires_at, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.AccessTokenID, r.TokenHash, toMillis(r.ExpiresAt), false, toMillis(r.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateValue
		}
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}
