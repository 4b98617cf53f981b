// Command oauthctl administers the authorization server's storage: client
// registration and revocation, schema migrations and expiry purging.
//
// It reads the same OAUTH_* environment as oauth-server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	oauth "github.com/armabattles/oauth-core"
	"github.com/armabattles/oauth-core/internal/bootstrap"
	"github.com/armabattles/oauth-core/providers"
	"github.com/armabattles/oauth-core/security"
)

const usage = `Usage:
  oauthctl client create -name NAME -redirect-uri URI [-redirect-uri URI ...]
  oauthctl client list
  oauthctl client revoke CLIENT_ID
  oauthctl migrate
  oauthctl purge`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := oauth.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Operational output goes to stdout; logs stay on stderr.
	logger, err := bootstrap.NewLogger(oauth.LogConfig{Level: "warn", Format: "text"}, os.Stderr)
	if err != nil {
		return err
	}

	switch args[0] {
	case "client":
		return runClient(ctx, cfg, logger, args[1:], out)
	case "migrate":
		return runMigrate(ctx, cfg, logger, out)
	case "purge":
		return runPurge(ctx, cfg, logger, out)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func runClient(ctx context.Context, cfg *oauth.Config, logger *slog.Logger, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing client subcommand\n%s", usage)
	}

	backend, err := bootstrap.OpenStore(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer backend.Close()

	// Client administration never resolves users.
	noUsers := providers.UserDirectoryFunc(func(context.Context, string) (*providers.UserInfo, error) {
		return nil, providers.ErrUserNotFound
	})
	srv, err := oauth.NewServerWithStore(backend.Store, noUsers, cfg.ServerConfig(), logger)
	if err != nil {
		return err
	}
	srv.SetAuditor(security.NewAuditor(logger, cfg.Log.Audit))

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("client create", flag.ContinueOnError)
		name := fs.String("name", "", "Display name of the client (required)")
		var redirectURIs []string
		fs.Func("redirect-uri", "Registered redirect URI (repeatable, at least one)", func(v string) error {
			redirectURIs = append(redirectURIs, v)
			return nil
		})
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return createClient(ctx, srv, *name, redirectURIs, out)

	case "list":
		return listClients(ctx, srv, out)

	case "revoke":
		if len(args) != 2 {
			return fmt.Errorf("usage: oauthctl client revoke CLIENT_ID")
		}
		return revokeClient(ctx, srv, args[1], out)

	default:
		return fmt.Errorf("unknown client subcommand %q\n%s", args[0], usage)
	}
}

func runMigrate(ctx context.Context, cfg *oauth.Config, logger *slog.Logger, out io.Writer) error {
	switch cfg.Storage.Driver {
	case oauth.StorageSQLite, oauth.StoragePostgres, oauth.StorageMySQL:
	default:
		return fmt.Errorf("migrate requires a SQL storage driver, got %q", cfg.Storage.Driver)
	}

	store, err := bootstrap.OpenSQL(ctx, cfg.Storage, true, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Schema is up to date (%s).\n", cfg.Storage.Driver)
	return nil
}

func runPurge(ctx context.Context, cfg *oauth.Config, logger *slog.Logger, out io.Writer) error {
	backend, err := bootstrap.OpenStore(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer backend.Close()

	if backend.Purger == nil {
		return fmt.Errorf("the %s storage driver expires records on its own", cfg.Storage.Driver)
	}
	return purgeExpired(ctx, backend.Purger, out)
}
