package valkey

import (
	"context"
	"fmt"
	"strconv"

	"github.com/armabattles/oauth-core/internal/util"
	"github.com/armabattles/oauth-core/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves a freshly minted authorization code.
// The record expires together with the code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.start(ctx, "save_code")
	defer func() { done(err) }()

	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if calculateTTL(code.ExpiresAt) <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	result, err := luaSaveRecord.Exec(ctx, s.client,
		[]string{s.codeKey(code.CodeHash), s.clientCodesKey(code.ClientID)},
		[]string{
			formatMillis(code.ExpiresAt), code.CodeHash,
			"id", code.ID,
			"user_id", code.UserID,
			"client_id", code.ClientID,
			"scopes", storage.JoinScopes(code.Scopes),
			"redirect_uri", code.RedirectURI,
			"expires_at", formatMillis(code.ExpiresAt),
			"revoked", formatBool(code.Revoked),
			"created_at", formatMillis(code.CreatedAt),
		},
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	if result == resultExists {
		return storage.ErrDuplicateValue
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

	fields, err := s.hashGetAll(ctx, s.codeKey(codeHash))
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrCodeNotFound
	}

	return &storage.AuthorizationCode{
		ID:          fields["id"],
		UserID:      fields["user_id"],
		ClientID:    fields["client_id"],
		Scopes:      storage.SplitScopes(fields["scopes"]),
		CodeHash:    codeHash,
		RedirectURI: fields["redirect_uri"],
		ExpiresAt:   parseMillis(fields["expires_at"]),
		Revoked:     fields["revoked"] == "1",
		CreatedAt:   parseMillis(fields["created_at"]),
	}, nil
}

// RedeemAuthorizationCode atomically consumes a code and saves the issued token pair.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, params storage.RedeemParams) (_ *storage.TokenPair, err error) {
	ctx, done := s.start(ctx, "redeem_code")
	defer func() { done(err) }()

	if err := validateTemplates(&params.Access, &params.Refresh); err != nil {
		return nil, err
	}

	args := append([]string{
		params.ClientID,
		params.RedirectURI,
		strconv.FormatInt(params.Now.UnixMilli(), 10),
	}, tokenFields(&params.Access, &params.Refresh)...)

	reply, err := luaRedeemCode.Exec(ctx, s.client,
		append([]string{s.codeKey(params.CodeHash)}, s.pairKeys(&params.Access, &params.Refresh, params.ClientID)...),
		args,
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code redemption: %w", err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("empty code redemption reply")
	}

	switch reply[0] {
	case resultOK:
	case resultNotFound:
		return nil, storage.ErrCodeNotFound
	case resultRevoked:
		return nil, storage.ErrCodeRevoked
	case resultExpired:
		return nil, storage.ErrCodeExpired
	case resultRedirectMismatch:
		return nil, storage.ErrRedirectURIMismatch
	case resultDuplicate:
		return nil, storage.ErrDuplicateValue
	default:
		return nil, fmt.Errorf("unexpected code redemption reply: %s", reply[0])
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("malformed code redemption reply")
	}

	s.logger.Debug("Redeemed authorization code",
		"client_id", params.ClientID,
		"code_prefix", util.SafeTruncate(params.CodeHash, hashLogLength))

	return buildPair(params.Access, params.Refresh, reply[1], params.ClientID, reply[2]), nil
}

// pairKeys returns the keys written for a new token pair, in script order
func (s *Store) pairKeys(access *storage.AccessToken, refresh *storage.RefreshToken, clientID string) []string {
	return []string{
		s.accessKey(access.TokenHash),
		s.accessIDKey(access.ID),
		s.refreshKey(refresh.TokenHash),
		s.refreshByAccessKey(access.ID),
		s.clientTokensKey(clientID),
	}
}

func validateTemplates(access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access.ID == "" || access.TokenHash == "" || refresh.ID == "" || refresh.TokenHash == "" {
		return fmt.Errorf("invalid token pair")
	}
	return nil
}
