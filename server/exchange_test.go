package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armabattles/oauth-core/internal/testutil"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/storage"
)

func TestServer_ExchangeAuthorizationCode(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	code := env.issueCode(t, "")

	token, scope, err := env.srv.ExchangeAuthorizationCode(ctx, code, testutil.TestClientID, testutil.TestRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	assert.Equal(t, "Bearer", token.TokenType)
	assert.NotEmpty(t, token.AccessToken)
	assert.NotEmpty(t, token.RefreshToken)
	assert.NotEqual(t, token.AccessToken, token.RefreshToken)
	assert.Equal(t, int64(2592000), token.ExpiresIn)
	assert.Equal(t, "profile email", scope)
	testutil.AssertTimeEqual(t, token.Expiry, env.clock.Now().Add(30*24*time.Hour), time.Millisecond)

	access, err := env.store.GetAccessToken(ctx, storage.HashToken(token.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, testutil.TestUserID, access.UserID)
	assert.Equal(t, testutil.TestClientID, access.ClientID)
	assert.Equal(t, []string{"profile", "email"}, access.Scopes)

	refresh, err := env.store.GetRefreshToken(ctx, storage.HashToken(token.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, access.ID, refresh.AccessTokenID)
	testutil.AssertTimeEqual(t, refresh.ExpiresAt, env.clock.Now().Add(90*24*time.Hour), time.Millisecond)

	stored, err := env.store.GetAuthorizationCode(ctx, storage.HashToken(code))
	require.NoError(t, err)
	assert.True(t, stored.Revoked, "code must be consumed")

	assert.True(t, containsAuditEvent(env.logs.String(), security.EventTokenIssued))
}

func TestServer_ExchangeAuthorizationCode_Reuse(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	code := env.issueCode(t, "")
	_, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, testutil.TestClientID, testutil.TestRedirectURI)
	require.NoError(t, err)

	_, _, err = env.srv.ExchangeAuthorizationCode(ctx, code, testutil.TestClientID, testutil.TestRedirectURI)
	oauthErr := assertOAuthError(t, err, ErrorCodeInvalidGrant)
	assert.Equal(t, http.StatusBadRequest, oauthErr.Status)
	assert.True(t, errors.Is(err, storage.ErrCodeRevoked))

	if !containsAuditEvent(env.logs.String(), security.EventAuthorizationCodeReuseDetected) {
		t.Error("expected authorization_code_reuse_detected audit event")
	}
}

func TestServer_ExchangeAuthorizationCode_Concurrent(t *testing.T) {
	env := setupTestServer(t, nil)
	code := env.issueCode(t, "")

	const workers = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		failures  atomic.Int32
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.srv.ExchangeAuthorizationCode(context.Background(), code, testutil.TestClientID, testutil.TestRedirectURI)
			if err == nil {
				successes.Add(1)
				return
			}
			var oauthErr *Error
			if errors.As(err, &oauthErr) && oauthErr.Code == ErrorCodeInvalidGrant {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one exchange must succeed")
	assert.Equal(t, int32(workers-1), failures.Load())
}

func TestServer_ExchangeAuthorizationCode_Rejected(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	other := testutil.GenerateTestClientWithID("other-client")
	require.NoError(t, env.store.SaveClient(ctx, other))

	t.Run("unknown code", func(t *testing.T) {
		_, _, err := env.srv.ExchangeAuthorizationCode(ctx, "not-a-code", testutil.TestClientID, testutil.TestRedirectURI)
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("code of another client", func(t *testing.T) {
		code := env.issueCode(t, "")
		_, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, "other-client", testutil.TestRedirectURI)
		oauthErr := assertOAuthError(t, err, ErrorCodeInvalidGrant)
		assert.Equal(t, "Authorization code is invalid or expired", oauthErr.Description)
	})

	t.Run("redirect mismatch keeps code", func(t *testing.T) {
		code := env.issueCode(t, "")
		_, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, testutil.TestClientID, "https://example.com/other")
		assertOAuthError(t, err, ErrorCodeInvalidGrant)

		_, _, err = env.srv.ExchangeAuthorizationCode(ctx, code, testutil.TestClientID, testutil.TestRedirectURI)
		assert.NoError(t, err)
	})

	t.Run("expired code", func(t *testing.T) {
		code := env.issueCode(t, "")
		env.clock.Advance(10 * time.Minute)
		_, _, err := env.srv.ExchangeAuthorizationCode(ctx, code, testutil.TestClientID, testutil.TestRedirectURI)
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
		assert.True(t, errors.Is(err, storage.ErrCodeExpired))
	})

	assert.True(t, containsAuditEvent(env.logs.String(), security.EventAuthFailure))
}

func TestServer_ExchangeAuthorizationCode_StoreFailure(t *testing.T) {
	env := setupTestServer(t, nil)
	env.store.RedeemAuthorizationCodeFunc = func(ctx context.Context, params storage.RedeemParams) (*storage.TokenPair, error) {
		return nil, errors.New("connection reset")
	}

	_, _, err := env.srv.ExchangeAuthorizationCode(context.Background(), "code", testutil.TestClientID, testutil.TestRedirectURI)
	oauthErr := assertOAuthError(t, err, ErrorCodeServerError)
	assert.Equal(t, http.StatusInternalServerError, oauthErr.Status)
}

func TestServer_Exchange(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()
	client := testutil.GenerateTestClient()

	tests := []struct {
		name     string
		client   *storage.Client
		req      TokenRequest
		wantCode string
	}{
		{
			name:     "nil client",
			req:      TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "c", RedirectURI: testutil.TestRedirectURI},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing grant type",
			client:   client,
			req:      TokenRequest{},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unsupported grant type",
			client:   client,
			req:      TokenRequest{GrantType: "password"},
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name:     "client credentials not supported",
			client:   client,
			req:      TokenRequest{GrantType: "client_credentials"},
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name:     "missing code",
			client:   client,
			req:      TokenRequest{GrantType: GrantTypeAuthorizationCode, RedirectURI: testutil.TestRedirectURI},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing redirect uri",
			client:   client,
			req:      TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "c"},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing refresh token",
			client:   client,
			req:      TokenRequest{GrantType: GrantTypeRefreshToken},
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, _, err := env.srv.Exchange(ctx, tt.client, tt.req)
			assertOAuthError(t, err, tt.wantCode)
			assert.Nil(t, token)
		})
	}

	t.Run("dispatches both grants", func(t *testing.T) {
		code := env.issueCode(t, "email")
		token, scope, err := env.srv.Exchange(ctx, client, TokenRequest{
			GrantType:   GrantTypeAuthorizationCode,
			Code:        code,
			RedirectURI: testutil.TestRedirectURI,
		})
		require.NoError(t, err)
		assert.Equal(t, "email", scope)

		refreshed, scope, err := env.srv.Exchange(ctx, client, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			RefreshToken: token.RefreshToken,
		})
		require.NoError(t, err)
		assert.Equal(t, "email", scope)
		assert.NotEqual(t, token.AccessToken, refreshed.AccessToken)
	})

	assert.Equal(t, 1, env.store.CallCount("RedeemAuthorizationCode"))
}

func TestServer_RefreshAccessToken(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	original := env.issueTokens(t, "profile")
	env.clock.Advance(time.Hour)

	rotated, scope, err := env.srv.RefreshAccessToken(ctx, original.RefreshToken, testutil.TestClientID)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	assert.Equal(t, "profile", scope)
	assert.NotEqual(t, original.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, original.RefreshToken, rotated.RefreshToken)
	testutil.AssertTimeEqual(t, rotated.Expiry, env.clock.Now().Add(30*24*time.Hour), time.Millisecond)

	// the old pair is dead
	_, err = env.srv.ResolveBearer(ctx, original.AccessToken)
	assertOAuthError(t, err, ErrorCodeInvalidToken)

	_, _, err = env.srv.RefreshAccessToken(ctx, original.RefreshToken, testutil.TestClientID)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
	assert.True(t, containsAuditEvent(env.logs.String(), security.EventRefreshTokenReuseDetected))

	// the new pair works and keeps user and scopes
	resolved, err := env.srv.ResolveBearer(ctx, rotated.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestUserID, resolved.Token.UserID)
	assert.Equal(t, []string{"profile"}, resolved.Token.Scopes)

	_, _, err = env.srv.RefreshAccessToken(ctx, rotated.RefreshToken, testutil.TestClientID)
	assert.NoError(t, err)

	assert.True(t, containsAuditEvent(env.logs.String(), security.EventTokenRefreshed))
}

func TestServer_RefreshAccessToken_Concurrent(t *testing.T) {
	env := setupTestServer(t, nil)
	token := env.issueTokens(t, "")

	const workers = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := env.srv.RefreshAccessToken(context.Background(), token.RefreshToken, testutil.TestClientID); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "a refresh token rotates at most once")
}

func TestServer_RefreshAccessToken_CrossClient(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	require.NoError(t, env.store.SaveClient(ctx, testutil.GenerateTestClientWithID("other-client")))
	token := env.issueTokens(t, "")

	_, _, err := env.srv.RefreshAccessToken(ctx, token.RefreshToken, "other-client")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
	assert.True(t, errors.Is(err, storage.ErrClientMismatch))
	assert.True(t, containsAuditEvent(env.logs.String(), security.EventCrossClientRefreshAttempt))

	// the owner can still use both tokens
	_, err = env.srv.ResolveBearer(ctx, token.AccessToken)
	require.NoError(t, err)
	_, _, err = env.srv.RefreshAccessToken(ctx, token.RefreshToken, testutil.TestClientID)
	assert.NoError(t, err)
}

func TestServer_RefreshAccessToken_Rejected(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		_, _, err := env.srv.RefreshAccessToken(ctx, "not-a-token", testutil.TestClientID)
		oauthErr := assertOAuthError(t, err, ErrorCodeInvalidGrant)
		assert.Equal(t, "Refresh token is invalid or expired", oauthErr.Description)
	})

	t.Run("revoked token", func(t *testing.T) {
		token := env.issueTokens(t, "")
		require.NoError(t, env.srv.RevokeToken(ctx, token.RefreshToken, TokenTypeHintRefreshToken))
		_, _, err := env.srv.RefreshAccessToken(ctx, token.RefreshToken, testutil.TestClientID)
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("expired token", func(t *testing.T) {
		token := env.issueTokens(t, "")
		env.clock.Advance(90 * 24 * time.Hour)
		_, _, err := env.srv.RefreshAccessToken(ctx, token.RefreshToken, testutil.TestClientID)
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
		assert.True(t, errors.Is(err, storage.ErrTokenExpired))
	})
}

func TestServer_RefreshAccessToken_StoreFailure(t *testing.T) {
	env := setupTestServer(t, nil)
	env.store.RotateRefreshTokenFunc = func(ctx context.Context, params storage.RotateParams) (*storage.TokenPair, error) {
		return nil, errors.New("connection reset")
	}

	_, _, err := env.srv.RefreshAccessToken(context.Background(), "token", testutil.TestClientID)
	assertOAuthError(t, err, ErrorCodeServerError)
}
