package valkey

import (
	"context"
	"fmt"
	"strconv"

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

	return s.getAccessToken(ctx, tokenHash)
}

func (s *Store) getAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	fields, err := s.hashGetAll(ctx, s.accessKey(tokenHash))
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrTokenNotFound
	}

	return &storage.AccessToken{
		ID:        fields["id"],
		UserID:    fields["user_id"],
		ClientID:  fields["client_id"],
		Scopes:    storage.SplitScopes(fields["scopes"]),
		TokenHash: tokenHash,
		ExpiresAt: parseMillis(fields["expires_at"]),
		Revoked:   fields["revoked"] == "1",
		CreatedAt: parseMillis(fields["created_at"]),
	}, nil
}

// GetRefreshToken retrieves a refresh token by digest
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	return s.getRefreshToken(ctx, tokenHash)
}

func (s *Store) getRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	fields, err := s.hashGetAll(ctx, s.refreshKey(tokenHash))
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrTokenNotFound
	}

	return &storage.RefreshToken{
		ID:            fields["id"],
		AccessTokenID: fields["access_token_id"],
		TokenHash:     tokenHash,
		ExpiresAt:     parseMillis(fields["expires_at"]),
		Revoked:       fields["revoked"] == "1",
		CreatedAt:     parseMillis(fields["created_at"]),
	}, nil
}

// RevokeAccessToken marks an access token revoked
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash string) (_ *storage.AccessToken, err error) {
	ctx, done := s.start(ctx, "revoke_access_token")
	defer func() { done(err) }()

	if err := s.revokeRecord(ctx, s.accessKey(tokenHash)); err != nil {
		return nil, err
	}
	return s.getAccessToken(ctx, tokenHash)
}

// RevokeRefreshToken marks a refresh token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	if err := s.revokeRecord(ctx, s.refreshKey(tokenHash)); err != nil {
		return nil, err
	}
	return s.getRefreshToken(ctx, tokenHash)
}

func (s *Store) revokeRecord(ctx context.Context, key string) error {
	result, err := luaRevokeRecord.Exec(ctx, s.client, []string{key}, nil).ToString()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if result == resultNotFound {
		return storage.ErrTokenNotFound
	}
	return nil
}

// RotateRefreshToken atomically revokes a refresh token and its access token and
// saves the replacement pair.
//
// The access token key is resolved before the script runs; the script verifies
// the link again, so a concurrent rotation cannot slip between the two steps.
//
// SECURITY: This operation is atomic via Lua script - a refresh token rotates at most once.
func (s *Store) RotateRefreshToken(ctx context.Context, params storage.RotateParams) (_ *storage.TokenPair, err error) {
	ctx, done := s.start(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if err := validateTemplates(&params.Access, &params.Refresh); err != nil {
		return nil, err
	}

	refresh, err := s.getRefreshToken(ctx, params.TokenHash)
	if err != nil {
		return nil, err
	}

	accessHash, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessIDKey(refresh.AccessTokenID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: access token for refresh token missing", storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("failed to resolve access token: %w", err)
	}

	keys := append([]string{s.refreshKey(params.TokenHash), s.accessKey(accessHash)},
		s.pairKeys(&params.Access, &params.Refresh, params.ClientID)...)
	args := append([]string{
		params.ClientID,
		strconv.FormatInt(params.Now.UnixMilli(), 10),
		refresh.AccessTokenID,
	}, tokenFields(&params.Access, &params.Refresh)...)

	reply, err := luaRotateRefresh.Exec(ctx, s.client, keys, args).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh rotation: %w", err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("empty refresh rotation reply")
	}

	switch reply[0] {
	case resultOK:
	case resultNotFound:
		return nil, storage.ErrTokenNotFound
	case resultRevoked:
		return nil, storage.ErrTokenRevoked
	case resultExpired:
		return nil, storage.ErrTokenExpired
	case resultClientMismatch:
		return nil, storage.ErrClientMismatch
	case resultAccessMissing:
		return nil, fmt.Errorf("%w: access token for refresh token missing", storage.ErrTokenNotFound)
	case resultDuplicate:
		return nil, storage.ErrDuplicateValue
	default:
		return nil, fmt.Errorf("unexpected refresh rotation reply: %s", reply[0])
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("malformed refresh rotation reply")
	}

	s.logger.Debug("Rotated refresh token",
		"client_id", params.ClientID,
		"token_prefix", util.SafeTruncate(params.TokenHash, hashLogLength))

	return buildPair(params.Access, params.Refresh, reply[1], params.ClientID, reply[2]), nil
}
