package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/armabattles/oauth-core/providers"
)

// UserDirectory resolves user profiles from the users table.
type UserDirectory struct {
	store *Store
}

var _ providers.UserDirectory = (*UserDirectory)(nil)

// Users returns a user directory sharing the store's database handle.
func (s *Store) Users() *UserDirectory {
	return &UserDirectory{store: s}
}

// GetUser implements providers.UserDirectory.
func (d *UserDirectory) GetUser(ctx context.Context, userID string) (_ *providers.UserInfo, err error) {
	ctx, done := d.store.start(ctx, "get_user")
	defer func() { done(err) }()

	var (
		u      providers.UserInfo
		avatar sql.NullString
	)
	err = d.store.queryRow(ctx, d.store.db,
		`SELECT id, name, username, email, email_verified, avatar FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.Name, &u.Username, &u.Email, &u.EmailVerified, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, providers.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Avatar = avatar.String
	return &u, nil
}

// SaveUser inserts a user profile. It exists for seeding and tests; the users
// table is normally owned by the application.
func (d *UserDirectory) SaveUser(ctx context.Context, u *providers.UserInfo) (err error) {
	ctx, done := d.store.start(ctx, "save_user")
	defer func() { done(err) }()

	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}

	avatar := sql.NullString{String: u.Avatar, Valid: u.Avatar != ""}
	_, err = d.store.exec(ctx, d.store.db,
		`INSERT INTO users (id, name, username, email, email_verified, avatar) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Username, u.Email, u.EmailVerified, avatar)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s already exists", u.ID)
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}
