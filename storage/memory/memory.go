// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/internal/util"
	"github.com/armabattles/oauth-core/storage"
)

// hashLogLength is the number of digest characters included in log lines
const hashLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
// Every mutation runs under a single write lock, which makes the redeem and
// rotate operations atomic.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client // client ID -> client

	codes map[string]*storage.AuthorizationCode // code digest -> code

	accessTokens    map[string]*storage.AccessToken  // token digest -> token
	accessByID      map[string]string                // access token ID -> digest
	refreshTokens   map[string]*storage.RefreshToken // token digest -> token
	refreshByAccess map[string]string                // access token ID -> refresh digest

	tracker *instrumentation.StorageTracker
	logger  *slog.Logger

	cleanupInterval time.Duration
	stopOnce        sync.Once
	stopCleanup     chan struct{}
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Purger      = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		accessByID:      make(map[string]string),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		refreshByAccess: make(map[string]string),
		logger:          slog.Default(),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker = instrumentation.NewStorageTracker(inst, "memory")
}

// Stop stops the background cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Close implements io.Closer for symmetry with the other backends.
func (s *Store) Close() error {
	s.Stop()
	return nil
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	tracker := s.tracker
	s.mu.RUnlock()
	return tracker.Start(ctx, operation)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ID)
	}
	s.clients[client.ID] = cloneClient(client)

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.start(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(client), nil
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	_, done := s.start(ctx, "list_clients")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, cloneClient(c))
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
	_, done := s.start(ctx, "revoke_client")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var summary storage.RevocationSummary

	client, ok := s.clients[clientID]
	if !ok {
		return summary, storage.ErrClientNotFound
	}
	client.Revoked = true

	for _, code := range s.codes {
		if code.ClientID == clientID && !code.Revoked {
			code.Revoked = true
			summary.Codes++
		}
	}

	for _, access := range s.accessTokens {
		if access.ClientID != clientID {
			continue
		}
		if !access.Revoked {
			access.Revoked = true
			summary.AccessTokens++
		}
		if refreshHash, ok := s.refreshByAccess[access.ID]; ok {
			if refresh := s.refreshTokens[refreshHash]; refresh != nil && !refresh.Revoked {
				refresh.Revoked = true
				summary.RefreshTokens++
			}
		}
	}

	s.logger.Info("Revoked client",
		"client_id", clientID,
		"codes", summary.Codes,
		"access_tokens", summary.AccessTokens,
		"refresh_tokens", summary.RefreshTokens)
	return summary, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves a freshly minted authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done := s.start(ctx, "save_code")
	defer func() { done(err) }()

	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.CodeHash]; exists {
		return storage.ErrDuplicateValue
	}
	s.codes[code.CodeHash] = cloneCode(code)

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.CodeHash, hashLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code by digest
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (_ *storage.AuthorizationCode, err error) {
	_, done := s.start(ctx, "get_code")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.lookupCode(codeHash)
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	return cloneCode(code), nil
}

// RedeemAuthorizationCode atomically consumes a code and saves the issued token pair.
//
// SECURITY: The whole check-and-mark sequence runs under the write lock, so only
// one concurrent redemption of a code can succeed.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, params storage.RedeemParams) (_ *storage.TokenPair, err error) {
	_, done := s.start(ctx, "redeem_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.lookupCode(params.CodeHash)
	if !ok || code.ClientID != params.ClientID {
		return nil, storage.ErrCodeNotFound
	}
	if code.Revoked {
		return nil, storage.ErrCodeRevoked
	}
	if !params.Now.Before(code.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}
	if code.RedirectURI != params.RedirectURI {
		return nil, storage.ErrRedirectURIMismatch
	}
	if err := s.checkPairUnique(&params.Access, &params.Refresh); err != nil {
		return nil, err
	}

	code.Revoked = true

	access := params.Access
	access.UserID = code.UserID
	access.ClientID = code.ClientID
	access.Scopes = storage.CopyStrings(code.Scopes)
	refresh := params.Refresh
	refresh.AccessTokenID = access.ID

	s.putPair(&access, &refresh)

	s.logger.Debug("Redeemed authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.CodeHash, hashLogLength))

	return &storage.TokenPair{Access: cloneAccess(&access), Refresh: cloneRefresh(&refresh)}, nil
}

// lookupCode finds a code by digest. Must be called with mu held.
func (s *Store) lookupCode(codeHash string) (*storage.AuthorizationCode, bool) {
	code, ok := s.codes[codeHash]
	if !ok || !storage.DigestEqual(code.CodeHash, codeHash) {
		return nil, false
	}
	return code, true
}

// ============================================================
// TokenStore Implementation
// ============================================================

// GetAccessToken retrieves an access token by digest
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (_ *storage.AccessToken, err error) {
	_, done := s.start(ctx, "get_access_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.lookupAccess(tokenHash)
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return cloneAccess(token), nil
}

// GetRefreshToken retrieves a refresh token by digest
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	_, done := s.start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.lookupRefresh(tokenHash)
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return cloneRefresh(token), nil
}

// RevokeAccessToken marks an access token revoked
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash string) (_ *storage.AccessToken, err error) {
	_, done := s.start(ctx, "revoke_access_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.lookupAccess(tokenHash)
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	token.Revoked = true
	return cloneAccess(token), nil
}

// RevokeRefreshToken marks a refresh token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	_, done := s.start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.lookupRefresh(tokenHash)
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	token.Revoked = true
	return cloneRefresh(token), nil
}

// RotateRefreshToken atomically revokes a refresh token and its access token and
// saves the replacement pair.
//
// SECURITY: Runs under the write lock, so a refresh token rotates at most once.
func (s *Store) RotateRefreshToken(ctx context.Context, params storage.RotateParams) (_ *storage.TokenPair, err error) {
	_, done := s.start(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.lookupRefresh(params.TokenHash)
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if old.Revoked {
		return nil, storage.ErrTokenRevoked
	}
	if !params.Now.Before(old.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	oldAccess := s.accessTokens[s.accessByID[old.AccessTokenID]]
	if oldAccess == nil {
		return nil, fmt.Errorf("%w: access token for refresh token missing", storage.ErrTokenNotFound)
	}
	if oldAccess.ClientID != params.ClientID {
		return nil, storage.ErrClientMismatch
	}
	if err := s.checkPairUnique(&params.Access, &params.Refresh); err != nil {
		return nil, err
	}

	old.Revoked = true
	oldAccess.Revoked = true

	access := params.Access
	access.UserID = oldAccess.UserID
	access.ClientID = oldAccess.ClientID
	access.Scopes = storage.CopyStrings(oldAccess.Scopes)
	refresh := params.Refresh
	refresh.AccessTokenID = access.ID

	s.putPair(&access, &refresh)

	s.logger.Debug("Rotated refresh token",
		"client_id", access.ClientID,
		"token_prefix", util.SafeTruncate(old.TokenHash, hashLogLength))

	return &storage.TokenPair{Access: cloneAccess(&access), Refresh: cloneRefresh(&refresh)}, nil
}

// lookupAccess finds an access token by digest. Must be called with mu held.
func (s *Store) lookupAccess(tokenHash string) (*storage.AccessToken, bool) {
	token, ok := s.accessTokens[tokenHash]
	if !ok || !storage.DigestEqual(token.TokenHash, tokenHash) {
		return nil, false
	}
	return token, true
}

// lookupRefresh finds a refresh token by digest. Must be called with mu held.
func (s *Store) lookupRefresh(tokenHash string) (*storage.RefreshToken, bool) {
	token, ok := s.refreshTokens[tokenHash]
	if !ok || !storage.DigestEqual(token.TokenHash, tokenHash) {
		return nil, false
	}
	return token, true
}

// checkPairUnique rejects digests or IDs that already exist. Must be called with mu held.
func (s *Store) checkPairUnique(access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access.ID == "" || access.TokenHash == "" || refresh.ID == "" || refresh.TokenHash == "" {
		return fmt.Errorf("invalid token pair")
	}
	if _, exists := s.accessTokens[access.TokenHash]; exists {
		return storage.ErrDuplicateValue
	}
	if _, exists := s.accessByID[access.ID]; exists {
		return storage.ErrDuplicateValue
	}
	if _, exists := s.refreshTokens[refresh.TokenHash]; exists {
		return storage.ErrDuplicateValue
	}
	return nil
}

// putPair stores a token pair. Must be called with mu held.
func (s *Store) putPair(access *storage.AccessToken, refresh *storage.RefreshToken) {
	s.accessTokens[access.TokenHash] = cloneAccess(access)
	s.accessByID[access.ID] = access.TokenHash
	s.refreshTokens[refresh.TokenHash] = cloneRefresh(refresh)
	s.refreshByAccess[access.ID] = refresh.TokenHash
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case now := <-ticker.C:
			if _, err := s.PurgeExpired(context.Background(), now); err != nil {
				s.logger.Warn("Storage cleanup failed", "error", err)
			}
		}
	}
}

// PurgeExpired deletes codes and tokens that expired before the given instant.
// An access token is kept while its refresh token is still unexpired, because
// rotation reads ownership and scopes from it.
func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (_ int64, err error) {
	_, done := s.start(ctx, "purge_expired")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64

	for hash, code := range s.codes {
		if code.ExpiresAt.Before(before) {
			delete(s.codes, hash)
			removed++
		}
	}

	for hash, refresh := range s.refreshTokens {
		if refresh.ExpiresAt.Before(before) {
			delete(s.refreshTokens, hash)
			delete(s.refreshByAccess, refresh.AccessTokenID)
			removed++
		}
	}

	for hash, access := range s.accessTokens {
		if !access.ExpiresAt.Before(before) {
			continue
		}
		if _, hasRefresh := s.refreshByAccess[access.ID]; hasRefresh {
			continue
		}
		delete(s.accessTokens, hash)
		delete(s.accessByID, access.ID)
		removed++
	}

	if removed > 0 {
		s.logger.Debug("Storage cleanup completed", "removed", removed)
	}
	return removed, nil
}

// Stats returns record counts, mainly for tests and debugging.
func (s *Store) Stats() (clients, codes, accessTokens, refreshTokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), len(s.codes), len(s.accessTokens), len(s.refreshTokens)
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = storage.CopyStrings(c.RedirectURIs)
	return &cp
}

func cloneCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	cp := *c
	cp.Scopes = storage.CopyStrings(c.Scopes)
	return &cp
}

func cloneAccess(t *storage.AccessToken) *storage.AccessToken {
	cp := *t
	cp.Scopes = storage.CopyStrings(t.Scopes)
	return &cp
}

func cloneRefresh(t *storage.RefreshToken) *storage.RefreshToken {
	cp := *t
	return &cp
}
