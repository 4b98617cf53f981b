// Package mock provides mock implementations of the providers interfaces for testing.
package mock

import (
	"context"
	"net/http"
	"sync"

	"github.com/armabattles/oauth-core/providers"
)

// UserDirectory is a mock implementation of providers.UserDirectory.
// Users are served from an in-memory map unless GetUserFunc is set.
type UserDirectory struct {
	// GetUserFunc, when set, replaces the map lookup
	GetUserFunc func(ctx context.Context, userID string) (*providers.UserInfo, error)

	mu        sync.RWMutex
	users     map[string]*providers.UserInfo
	callCount int
}

// NewUserDirectory creates a mock directory holding the given users.
func NewUserDirectory(users ...*providers.UserInfo) *UserDirectory {
	d := &UserDirectory{users: make(map[string]*providers.UserInfo)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Add stores or replaces a user.
func (d *UserDirectory) Add(user *providers.UserInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.ID] = user
}

// GetUser implements providers.UserDirectory.
func (d *UserDirectory) GetUser(ctx context.Context, userID string) (*providers.UserInfo, error) {
	d.mu.Lock()
	d.callCount++
	fn := d.GetUserFunc
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, userID)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, providers.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// CallCount returns how many times GetUser was called.
func (d *UserDirectory) CallCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callCount
}

// SessionResolver is a mock providers.SessionResolver that reports a fixed user.
// An empty UserID means "not signed in".
type SessionResolver struct {
	UserID string
	Err    error
}

// CurrentUser implements providers.SessionResolver.
func (s *SessionResolver) CurrentUser(_ *http.Request) (string, bool, error) {
	if s.Err != nil {
		return "", false, s.Err
	}
	return s.UserID, s.UserID != "", nil
}
