package providers

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned by a UserDirectory when no user has the given ID.
var ErrUserNotFound = errors.New("user not found")

// UserDirectory resolves user profiles for token introspection.
type UserDirectory interface {
	// GetUser returns the profile of the user with the given ID, or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*UserInfo, error)
}

// UserDirectoryFunc adapts a function to the UserDirectory interface.
type UserDirectoryFunc func(ctx context.Context, userID string) (*UserInfo, error)

// GetUser calls f(ctx, userID).
func (f UserDirectoryFunc) GetUser(ctx context.Context, userID string) (*UserInfo, error) {
	return f(ctx, userID)
}

// UserInfo is the profile of an end user.
type UserInfo struct {
	// ID is the unique user identifier
	ID string `yaml:"id"`

	// Name is the user's display name
	Name string `yaml:"name"`

	// Username is the user's handle
	Username string `yaml:"username"`

	// Email is the user's email address
	Email string `yaml:"email"`

	// EmailVerified indicates if the email is verified
	EmailVerified bool `yaml:"email_verified"`

	// Avatar is an optional profile picture URL
	Avatar string `yaml:"avatar"`
}
