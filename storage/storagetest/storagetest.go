// Package storagetest provides a conformance suite shared by every storage backend.
//
// Backends call Run from their own tests:
//
//	func TestConformance(t *testing.T) {
//		storagetest.Run(t, func(t *testing.T) storage.Store { return newTestStore(t) })
//	}
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armabattles/oauth-core/internal/testutil"
	"github.com/armabattles/oauth-core/storage"
)

// Factory returns an empty store. It registers its own cleanup on t.
type Factory func(t *testing.T) storage.Store

// concurrentAttempts is the number of goroutines racing on a single credential
const concurrentAttempts = 16

// Run executes the full conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore) })
	t.Run("Codes", func(t *testing.T) { testCodes(t, newStore) })
	t.Run("Redeem", func(t *testing.T) { testRedeem(t, newStore) })
	t.Run("RedeemConcurrent", func(t *testing.T) { testRedeemConcurrent(t, newStore) })
	t.Run("Rotate", func(t *testing.T) { testRotate(t, newStore) })
	t.Run("RotateConcurrent", func(t *testing.T) { testRotateConcurrent(t, newStore) })
	t.Run("RevokeTokens", func(t *testing.T) { testRevokeTokens(t, newStore) })
	t.Run("RevokeClient", func(t *testing.T) { testRevokeClient(t, newStore) })
	t.Run("PurgeExpired", func(t *testing.T) { testPurgeExpired(t, newStore) })
}

// now returns a millisecond precision instant, the resolution every backend persists.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

type issued struct {
	code         *storage.AuthorizationCode
	codeValue    string
	pair         *storage.TokenPair
	accessValue  string
	refreshValue string
}

// seedClient saves a client with the given ID
func seedClient(t *testing.T, s storage.Store, clientID string) *storage.Client {
	t.Helper()
	client := testutil.GenerateTestClientWithID(clientID)
	require.NoError(t, s.SaveClient(context.Background(), client))
	return client
}

// seedCode saves an unredeemed code for clientID
func seedCode(t *testing.T, s storage.Store, clientID string, at time.Time) (string, *storage.AuthorizationCode) {
	t.Helper()
	value, code := testutil.GenerateTestAuthorizationCode(clientID, at)
	require.NoError(t, s.SaveAuthorizationCode(context.Background(), code))
	return value, code
}

// issue runs a complete code redemption for clientID
func issue(t *testing.T, s storage.Store, clientID string, at time.Time) issued {
	t.Helper()
	codeValue, code := seedCode(t, s, clientID, at)
	accessValue, refreshValue, access, refresh := testutil.GenerateTestTokenTemplates(at)

	pair, err := s.RedeemAuthorizationCode(context.Background(), storage.RedeemParams{
		CodeHash:    code.CodeHash,
		ClientID:    clientID,
		RedirectURI: code.RedirectURI,
		Now:         at,
		Access:      access,
		Refresh:     refresh,
	})
	require.NoError(t, err)

	return issued{
		code:         code,
		codeValue:    codeValue,
		pair:         pair,
		accessValue:  accessValue,
		refreshValue: refreshValue,
	}
}

func testClients(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		s := newStore(t)
		client := testutil.GenerateTestClientWithID("client-a")
		client.RedirectURIs = []string{"https://a.example.com/cb", "http://localhost:8080/cb"}
		require.NoError(t, s.SaveClient(ctx, client))

		got, err := s.GetClient(ctx, "client-a")
		require.NoError(t, err)
		assert.Equal(t, "client-a", got.ID)
		assert.Equal(t, client.Name, got.Name)
		assert.Equal(t, client.SecretHash, got.SecretHash)
		assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
		assert.False(t, got.Revoked)
		assert.True(t, client.CreatedAt.Equal(got.CreatedAt), "CreatedAt = %v, want %v", got.CreatedAt, client.CreatedAt)
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, "client-a")
		err := s.SaveClient(ctx, testutil.GenerateTestClientWithID("client-a"))
		assert.ErrorIs(t, err, storage.ErrClientExists)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetClient(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrClientNotFound)
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		first := testutil.GenerateTestClientWithID("client-b")
		first.CreatedAt = now().Add(-time.Hour)
		second := testutil.GenerateTestClientWithID("client-a")
		second.CreatedAt = now()
		require.NoError(t, s.SaveClient(ctx, second))
		require.NoError(t, s.SaveClient(ctx, first))

		clients, err := s.ListClients(ctx)
		require.NoError(t, err)
		require.Len(t, clients, 2)
		assert.Equal(t, "client-b", clients[0].ID)
		assert.Equal(t, "client-a", clients[1].ID)
	})
}

func testCodes(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		_, code := seedCode(t, s, testutil.TestClientID, now())

		got, err := s.GetAuthorizationCode(ctx, code.CodeHash)
		require.NoError(t, err)
		assert.Equal(t, code.ID, got.ID)
		assert.Equal(t, code.UserID, got.UserID)
		assert.Equal(t, code.ClientID, got.ClientID)
		assert.Equal(t, code.Scopes, got.Scopes)
		assert.Equal(t, code.RedirectURI, got.RedirectURI)
		assert.True(t, code.ExpiresAt.Equal(got.ExpiresAt))
		assert.False(t, got.Revoked)
	})

	t.Run("empty scope set", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		_, code := testutil.GenerateTestAuthorizationCode(testutil.TestClientID, now())
		code.Scopes = nil
		require.NoError(t, s.SaveAuthorizationCode(ctx, code))

		got, err := s.GetAuthorizationCode(ctx, code.CodeHash)
		require.NoError(t, err)
		assert.Empty(t, got.Scopes)
	})

	t.Run("duplicate digest", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		_, code := seedCode(t, s, testutil.TestClientID, now())

		dup := *code
		dup.ID = "another-id"
		assert.ErrorIs(t, s.SaveAuthorizationCode(ctx, &dup), storage.ErrDuplicateValue)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAuthorizationCode(ctx, storage.HashToken("missing"))
		assert.ErrorIs(t, err, storage.ErrCodeNotFound)
	})
}

func testRedeem(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		at := now()
		result := issue(t, s, testutil.TestClientID, at)

		assert.Equal(t, testutil.TestUserID, result.pair.Access.UserID)
		assert.Equal(t, testutil.TestClientID, result.pair.Access.ClientID)
		assert.Equal(t, result.code.Scopes, result.pair.Access.Scopes)
		assert.Equal(t, result.pair.Access.ID, result.pair.Refresh.AccessTokenID)

		code, err := s.GetAuthorizationCode(ctx, result.code.CodeHash)
		require.NoError(t, err)
		assert.True(t, code.Revoked, "code must be revoked after redemption")

		access, err := s.GetAccessToken(ctx, storage.HashToken(result.accessValue))
		require.NoError(t, err)
		assert.Equal(t, result.pair.Access.ID, access.ID)
		assert.Equal(t, testutil.TestUserID, access.UserID)
		assert.Equal(t, []string{"profile", "email"}, access.Scopes)
		assert.True(t, access.Valid(at))

		refresh, err := s.GetRefreshToken(ctx, storage.HashToken(result.refreshValue))
		require.NoError(t, err)
		assert.Equal(t, access.ID, refresh.AccessTokenID)
		assert.True(t, refresh.Valid(at))
	})

	t.Run("second redemption fails", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		at := now()
		result := issue(t, s, testutil.TestClientID, at)

		_, _, access, refresh := testutil.GenerateTestTokenTemplates(at)
		_, err := s.RedeemAuthorizationCode(ctx, storage.RedeemParams{
			CodeHash:    result.code.CodeHash,
			ClientID:    testutil.TestClientID,
			RedirectURI: testutil.TestRedirectURI,
			Now:         at,
			Access:      access,
			Refresh:     refresh,
		})
		assert.ErrorIs(t, err, storage.ErrCodeRevoked)

		_, err = s.GetAccessToken(ctx, access.TokenHash)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	})

	t.Run("other client", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		seedClient(t, s, "other-client")
		at := now()
		_, code := seedCode(t, s, testutil.TestClientID, at)

		_, _, access, refresh := testutil.GenerateTestTokenTemplates(at)
		_, err := s.RedeemAuthorizationCode(ctx, storage.RedeemParams{
			CodeHash:    code.CodeHash,
			ClientID:    "other-client",
			RedirectURI: code.RedirectURI,
			Now:         at,
			Access:      access,
			Refresh:     refresh,
		})
		assert.ErrorIs(t, err, storage.ErrCodeNotFound)

		got, err := s.GetAuthorizationCode(ctx, code.CodeHash)
		require.NoError(t, err)
		assert.False(t, got.Revoked)
	})

	t.Run("expired", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		at := now()
		_, code := seedCode(t, s, testutil.TestClientID, at)

		_, _, access, refresh := testutil.GenerateTestTokenTemplates(at)
		_, err := s.RedeemAuthorizationCode(ctx, storage.RedeemParams{
			CodeHash:    code.CodeHash,
			ClientID:    testutil.TestClientID,
			RedirectURI: code.RedirectURI,
			Now:         code.ExpiresAt,
			Access:      access,
			Refresh:     refresh,
		})
		assert.ErrorIs(t, err, storage.ErrCodeExpired)
	})

	t.Run("redirect mismatch leaves code redeemable", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		at := now()
		_, code := seedCode(t, s, testutil.TestClientID, at)

		_, _, access, refresh := testutil.GenerateTestTokenTemplates(at)
		params := storage.RedeemParams{
			CodeHash:    code.CodeHash,
			ClientID:    testutil.TestClientID,
			RedirectURI: "https://evil.example.com/callback",
			Now:         at,
			Access:      access,
			Refresh:     refresh,
		}
		_, err := s.RedeemAuthorizationCode(ctx, params)
		assert.ErrorIs(t, err, storage.ErrRedirectURIMismatch)

		params.RedirectURI = code.RedirectURI
		_, err = s.RedeemAuthorizationCode(ctx, params)
		assert.NoError(t, err)
	})

	t.Run("unknown code", func(t *testing.T) {
		s := newStore(t)
		at := now()
		_, _, access, refresh := testutil.GenerateTestTokenTemplates(at)
		_, err := s.RedeemAuthorizationCode(ctx, storage.RedeemParams{
			CodeHash:    storage.HashToken("missing"),
			ClientID:    testutil.TestClientID,
			RedirectURI: testutil.TestRedirectURI,
			Now:         at,
			Access:      access,
			Refresh:     refresh,
		})
		assert.ErrorIs(t, err, storage.ErrCodeNotFound)
	})
}

func testRedeemConcurrent(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	seedClient(t, s, testutil.TestClientID)
	at := now()
	_, code := seedCode(t, s, testutil.TestClientID, at)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	start := make(chan struct{})
	for i := 0; i < concurrentAttempts; i++ {
		_, _, access, refresh := testutil.GenerateTestTokenTemplates(at)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.RedeemAuthorizationCode(ctx, storage.RedeemParams{
				CodeHash:    code.CodeHash,
				ClientID:    testutil.TestClientID,
				RedirectURI: code.RedirectURI,
				Now:         at,
				Access:      access,
				Refresh:     refresh,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else {
				failures = append(failures, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one redemption must succeed")
	for _, err := range failures {
		assert.ErrorIs(t, err, storage.ErrCodeRevoked)
	}
}

func testRotate(t *testing.T, newStore Factory) {
	ctx := context.Background()

	rotate := func(s storage.Store, refreshValue, clientID string, at time.Time) (*storage.TokenPair, string, error) {
		accessValue, _, access, refresh := testutil.GenerateTestTokenTemplates(at)
		pair, err := s.RotateRefreshToken(ctx, storage.RotateParams{
			TokenHash: storage.HashToken(refreshValue),
			ClientID:  clientID,
			Now:       at,
			Access:    access,
			Refresh:   refresh,
		})
		return pair, accessValue, err
	}

	t.Run("success", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		at := now()
		result := issue(t, s, testutil.TestClientID, at)

		pair, accessValue, err := rotate(s, result.refreshValue, testutil.TestClientID, at.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, testutil.TestUserID, pair.Access.UserID)
		assert.Equal(t, testutil.TestClientID, pair.Access.ClientID)
		assert.Equal(t, result.pair.Access.Scopes, pair.Access.Scopes)
		assert.Equal(t, pair.Access.ID, pair.Refresh.AccessTokenID)

		oldRefresh, err := s.GetRefreshToken(ctx, storage.HashToken(result.refreshValue))
		require.NoError(t, err)
		assert.True(t, oldRefresh.Revoked)

		oldAccess, err := s.GetAccessToken(ctx, storage.HashToken(result.accessValue))
		require.NoError(t, err)
		assert.True(t, oldAccess.Revoked)

		newAccess, err := s.GetAccessToken(ctx, storage.HashToken(accessValue))
		require.NoError(t, err)
		assert.False(t, newAccess.Revoked)
	})

	t.Run("second rotation fails", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		at := now()
		result := issue(t, s, testutil.TestClientID, at)

		_, _, err := rotate(s, result.refreshValue, testutil.TestClientID, at)
		require.NoError(t, err)
		_, _, err = rotate(s, result.refreshValue, testutil.TestClientID, at)
		assert.ErrorIs(t, err, storage.ErrTokenRevoked)
	})

	t.Run("client mismatch leaves tokens untouched", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		seedClient(t, s, "other-client")
		at := now()
		result := issue(t, s, testutil.TestClientID, at)

		_, _, err := rotate(s, result.refreshValue, "other-client", at)
		assert.ErrorIs(t, err, storage.ErrClientMismatch)

		refresh, err := s.GetRefreshToken(ctx, storage.HashToken(result.refreshValue))
		require.NoError(t, err)
		assert.False(t, refresh.Revoked)
		access, err := s.GetAccessToken(ctx, storage.HashToken(result.accessValue))
		require.NoError(t, err)
		assert.False(t, access.Revoked)

		_, _, err = rotate(s, result.refreshValue, testutil.TestClientID, at)
		assert.NoError(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		at := now()
		result := issue(t, s, testutil.TestClientID, at)

		_, _, err := rotate(s, result.refreshValue, testutil.TestClientID, result.pair.Refresh.ExpiresAt)
		assert.ErrorIs(t, err, storage.ErrTokenExpired)
	})

	t.Run("works after access token expiry", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		at := now()
		result := issue(t, s, testutil.TestClientID, at)

		_, _, err := rotate(s, result.refreshValue, testutil.TestClientID, result.pair.Access.ExpiresAt.Add(time.Hour))
		assert.NoError(t, err)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, _, err := rotate(s, "missing", testutil.TestClientID, now())
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	})
}

func testRotateConcurrent(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	seedClient(t, s, testutil.TestClientID)
	at := now()
	result := issue(t, s, testutil.TestClientID, at)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	for i := 0; i < concurrentAttempts; i++ {
		_, _, access, refresh := testutil.GenerateTestTokenTemplates(at)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.RotateRefreshToken(ctx, storage.RotateParams{
				TokenHash: storage.HashToken(result.refreshValue),
				ClientID:  testutil.TestClientID,
				Now:       at,
				Access:    access,
				Refresh:   refresh,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrTokenRevoked) {
				t.Errorf("RotateRefreshToken() unexpected error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one rotation must succeed")
}

func testRevokeTokens(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("access token", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		result := issue(t, s, testutil.TestClientID, now())

		revoked, err := s.RevokeAccessToken(ctx, storage.HashToken(result.accessValue))
		require.NoError(t, err)
		assert.True(t, revoked.Revoked)
		assert.Equal(t, testutil.TestClientID, revoked.ClientID)

		got, err := s.GetAccessToken(ctx, storage.HashToken(result.accessValue))
		require.NoError(t, err)
		assert.True(t, got.Revoked)

		_, err = s.RevokeAccessToken(ctx, storage.HashToken(result.accessValue))
		assert.NoError(t, err, "revoking twice is not an error")
	})

	t.Run("refresh token leaves access token", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		result := issue(t, s, testutil.TestClientID, now())

		revoked, err := s.RevokeRefreshToken(ctx, storage.HashToken(result.refreshValue))
		require.NoError(t, err)
		assert.True(t, revoked.Revoked)

		access, err := s.GetAccessToken(ctx, storage.HashToken(result.accessValue))
		require.NoError(t, err)
		assert.False(t, access.Revoked)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.RevokeAccessToken(ctx, storage.HashToken("missing"))
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)
		_, err = s.RevokeRefreshToken(ctx, storage.HashToken("missing"))
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	})
}

func testRevokeClient(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("propagates to codes and tokens", func(t *testing.T) {
		s := newStore(t)
		seedClient(t, s, testutil.TestClientID)
		seedClient(t, s, "bystander")
		at := now()

		first := issue(t, s, testutil.TestClientID, at)
		second := issue(t, s, testutil.TestClientID, at)
		_, pending := seedCode(t, s, testutil.TestClientID, at)
		other := issue(t, s, "bystander", at)

		summary, err := s.RevokeClient(ctx, testutil.TestClientID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), summary.Codes)
		assert.Equal(t, int64(2), summary.AccessTokens)
		assert.Equal(t, int64(2), summary.RefreshTokens)
		assert.Equal(t, int64(5), summary.Total())

		client, err := s.GetClient(ctx, testutil.TestClientID)
		require.NoError(t, err)
		assert.True(t, client.Revoked)

		code, err := s.GetAuthorizationCode(ctx, pending.CodeHash)
		require.NoError(t, err)
		assert.True(t, code.Revoked)

		for _, r := range []issued{first, second} {
			access, err := s.GetAccessToken(ctx, storage.HashToken(r.accessValue))
			require.NoError(t, err)
			assert.True(t, access.Revoked)
			refresh, err := s.GetRefreshToken(ctx, storage.HashToken(r.refreshValue))
			require.NoError(t, err)
			assert.True(t, refresh.Revoked)
		}

		access, err := s.GetAccessToken(ctx, storage.HashToken(other.accessValue))
		require.NoError(t, err)
		assert.False(t, access.Revoked, "other clients must be unaffected")
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.RevokeClient(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrClientNotFound)
	})
}

func testPurgeExpired(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	purger, ok := s.(storage.Purger)
	if !ok {
		t.Skip("store does not implement storage.Purger")
	}

	seedClient(t, s, testutil.TestClientID)
	at := now()
	result := issue(t, s, testutil.TestClientID, at)
	_, stale := seedCode(t, s, testutil.TestClientID, at)

	// Past code expiry and access token expiry, before refresh token expiry.
	_, err := purger.PurgeExpired(ctx, result.pair.Access.ExpiresAt.Add(time.Hour))
	require.NoError(t, err)

	_, err = s.GetAuthorizationCode(ctx, stale.CodeHash)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)

	_, err = s.GetAccessToken(ctx, storage.HashToken(result.accessValue))
	assert.NoError(t, err, "access token must survive while its refresh token is live")

	_, err = purger.PurgeExpired(ctx, result.pair.Refresh.ExpiresAt.Add(time.Hour))
	require.NoError(t, err)

	_, err = s.GetRefreshToken(ctx, storage.HashToken(result.refreshValue))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetAccessToken(ctx, storage.HashToken(result.accessValue))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}
