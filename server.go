package oauth

import (
	"log/slog"

	"github.com/armabattles/oauth-core/providers"
	"github.com/armabattles/oauth-core/server"
	"github.com/armabattles/oauth-core/storage"
)

// Server implements the OAuth 2.0 authorization server logic.
// It is an alias of server.Server so both packages share one type.
type Server = server.Server

// ServerConfig holds OAuth server configuration
type ServerConfig = server.Config

// NewServer creates an OAuth server over the given stores and user directory.
func NewServer(
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	users providers.UserDirectory,
	config *ServerConfig,
	logger *slog.Logger,
) (*Server, error) {
	return server.New(clientStore, codeStore, tokenStore, users, config, logger)
}

// NewServerWithStore creates an OAuth server backed by a single store
// implementing every storage interface.
func NewServerWithStore(store storage.Store, users providers.UserDirectory, config *ServerConfig, logger *slog.Logger) (*Server, error) {
	return server.NewWithStore(store, users, config, logger)
}
