// Package static provides a providers.UserDirectory backed by a fixed list of users,
// loaded from YAML. It is meant for development and integration tests where no
// application database is available.
//
// File format:
//
//	users:
//	  - id: "1"
//	    name: Ada Lovelace
//	    username: ada
//	    email: ada@example.com
//	    email_verified: true
//	    avatar: https://example.com/ada.png
package static

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/armabattles/oauth-core/providers"
)

// Directory is an immutable, in-memory user directory.
type Directory struct {
	users map[string]providers.UserInfo
}

var _ providers.UserDirectory = (*Directory)(nil)

type document struct {
	Users []providers.UserInfo `yaml:"users"`
}

// New builds a directory from the given users. Duplicate or empty IDs are rejected.
func New(users []providers.UserInfo) (*Directory, error) {
	d := &Directory{users: make(map[string]providers.UserInfo, len(users))}
	for i, u := range users {
		if u.ID == "" {
			return nil, fmt.Errorf("user %d: id is required", i)
		}
		if _, dup := d.users[u.ID]; dup {
			return nil, fmt.Errorf("user %d: duplicate id %q", i, u.ID)
		}
		d.users[u.ID] = u
	}
	return d, nil
}

// Parse reads a YAML user document.
func Parse(r io.Reader) (*Directory, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	return New(doc.Users)
}

// Load reads a YAML user document from path.
func Load(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open users file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// GetUser implements providers.UserDirectory.
func (d *Directory) GetUser(_ context.Context, userID string) (*providers.UserInfo, error) {
	u, ok := d.users[userID]
	if !ok {
		return nil, providers.ErrUserNotFound
	}
	return &u, nil
}

// Len returns the number of users.
func (d *Directory) Len() int {
	return len(d.users)
}
