// Package mock provides a storage implementation with overridable behavior for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/armabattles/oauth-core/storage"
	"github.com/armabattles/oauth-core/storage/memory"
)

// Store delegates to an in-memory store unless the matching Func field is set.
// Tests use it to inject failures into otherwise working flows.
type Store struct {
	backing *memory.Store

	SaveClientFunc              func(ctx context.Context, client *storage.Client) error
	GetClientFunc               func(ctx context.Context, clientID string) (*storage.Client, error)
	ListClientsFunc             func(ctx context.Context) ([]*storage.Client, error)
	RevokeClientFunc            func(ctx context.Context, clientID string) (storage.RevocationSummary, error)
	SaveAuthorizationCodeFunc   func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc    func(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error)
	RedeemAuthorizationCodeFunc func(ctx context.Context, params storage.RedeemParams) (*storage.TokenPair, error)
	GetAccessTokenFunc          func(ctx context.Context, tokenHash string) (*storage.AccessToken, error)
	GetRefreshTokenFunc         func(ctx context.Context, tokenHash string) (*storage.RefreshToken, error)
	RevokeAccessTokenFunc       func(ctx context.Context, tokenHash string) (*storage.AccessToken, error)
	RevokeRefreshTokenFunc      func(ctx context.Context, tokenHash string) (*storage.RefreshToken, error)
	RotateRefreshTokenFunc      func(ctx context.Context, params storage.RotateParams) (*storage.TokenPair, error)
	PurgeExpiredFunc            func(ctx context.Context, before time.Time) (int64, error)

	mu         sync.Mutex
	callCounts map[string]int
}

// Compile-time interface checks
var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Purger = (*Store)(nil)
)

// NewStore creates a mock store backed by a fresh in-memory store.
// Call Stop when done.
func NewStore() *Store {
	return &Store{
		backing:    memory.New(),
		callCounts: make(map[string]int),
	}
}

// Backing returns the in-memory store used when no override is set.
func (m *Store) Backing() *memory.Store {
	return m.backing
}

// Stop stops the backing store.
func (m *Store) Stop() {
	m.backing.Stop()
}

// CallCount returns how many times the named method was called.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts clears all call counters.
func (m *Store) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// SaveClient implements storage.ClientStore
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.backing.SaveClient(ctx, client)
}

// GetClient implements storage.ClientStore
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.backing.GetClient(ctx, clientID)
}

// ListClients implements storage.ClientStore
func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.backing.ListClients(ctx)
}

// RevokeClient implements storage.ClientStore
func (m *Store) RevokeClient(ctx context.Context, clientID string) (storage.RevocationSummary, error) {
	m.record("RevokeClient")
	if m.RevokeClientFunc != nil {
		return m.RevokeClientFunc(ctx, clientID)
	}
	return m.backing.RevokeClient(ctx, clientID)
}

// SaveAuthorizationCode implements storage.CodeStore
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.backing.SaveAuthorizationCode(ctx, code)
}

// GetAuthorizationCode implements storage.CodeStore
func (m *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, codeHash)
	}
	return m.backing.GetAuthorizationCode(ctx, codeHash)
}

// RedeemAuthorizationCode implements storage.CodeStore
func (m *Store) RedeemAuthorizationCode(ctx context.Context, params storage.RedeemParams) (*storage.TokenPair, error) {
	m.record("RedeemAuthorizationCode")
	if m.RedeemAuthorizationCodeFunc != nil {
		return m.RedeemAuthorizationCodeFunc(ctx, params)
	}
	return m.backing.RedeemAuthorizationCode(ctx, params)
}

// GetAccessToken implements storage.TokenStore
func (m *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, tokenHash)
	}
	return m.backing.GetAccessToken(ctx, tokenHash)
}

// GetRefreshToken implements storage.TokenStore
func (m *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, tokenHash)
	}
	return m.backing.GetRefreshToken(ctx, tokenHash)
}

// RevokeAccessToken implements storage.TokenStore
func (m *Store) RevokeAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	m.record("RevokeAccessToken")
	if m.RevokeAccessTokenFunc != nil {
		return m.RevokeAccessTokenFunc(ctx, tokenHash)
	}
	return m.backing.RevokeAccessToken(ctx, tokenHash)
}

// RevokeRefreshToken implements storage.TokenStore
func (m *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	m.record("RevokeRefreshToken")
	if m.RevokeRefreshTokenFunc != nil {
		return m.RevokeRefreshTokenFunc(ctx, tokenHash)
	}
	return m.backing.RevokeRefreshToken(ctx, tokenHash)
}

// RotateRefreshToken implements storage.TokenStore
func (m *Store) RotateRefreshToken(ctx context.Context, params storage.RotateParams) (*storage.TokenPair, error) {
	m.record("RotateRefreshToken")
	if m.RotateRefreshTokenFunc != nil {
		return m.RotateRefreshTokenFunc(ctx, params)
	}
	return m.backing.RotateRefreshToken(ctx, params)
}

// PurgeExpired implements storage.Purger
func (m *Store) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	m.record("PurgeExpired")
	if m.PurgeExpiredFunc != nil {
		return m.PurgeExpiredFunc(ctx, before)
	}
	return m.backing.PurgeExpired(ctx, before)
}
