package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/armabattles/oauth-core"
	providermock "github.com/armabattles/oauth-core/providers/mock"
	"github.com/armabattles/oauth-core/storage/memory"
)

func newTestServer(t *testing.T) (*oauth.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := oauth.NewServerWithStore(store, providermock.NewUserDirectory(), &oauth.ServerConfig{
		Issuer: "https://auth.example.com",
	}, nil)
	if err != nil {
		t.Fatalf("NewServerWithStore() error = %v", err)
	}
	return srv, store
}

func TestCreateListRevokeClient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	var out bytes.Buffer
	err := createClient(ctx, srv, "Arena Web", []string{"https://arena.example.com/callback"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Client secret: ")
	assert.Contains(t, out.String(), "cannot be shown again")

	clients, err := srv.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	clientID := clients[0].ID

	out.Reset()
	require.NoError(t, listClients(ctx, srv, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], clientID)
	assert.Contains(t, lines[1], "active")

	out.Reset()
	require.NoError(t, revokeClient(ctx, srv, clientID, &out))
	assert.Contains(t, out.String(), "0 codes, 0 access tokens, 0 refresh tokens")

	out.Reset()
	require.NoError(t, listClients(ctx, srv, &out))
	assert.Contains(t, out.String(), "revoked")
}

func TestCreateClient_Invalid(t *testing.T) {
	srv, _ := newTestServer(t)

	var out bytes.Buffer
	assert.Error(t, createClient(context.Background(), srv, "", []string{"https://a.example.com/cb"}, &out))
	assert.Error(t, createClient(context.Background(), srv, "Arena", nil, &out))
	assert.Empty(t, out.String())
}

func TestRevokeClient_Unknown(t *testing.T) {
	srv, _ := newTestServer(t)

	var out bytes.Buffer
	assert.Error(t, revokeClient(context.Background(), srv, "missing", &out))
}

func TestPurgeExpired(t *testing.T) {
	_, store := newTestServer(t)

	var out bytes.Buffer
	require.NoError(t, purgeExpired(context.Background(), store, &out))
	assert.Equal(t, "Purged 0 expired records.\n", out.String())
}
