// Package bootstrap assembles the process-level dependencies shared by the
// binaries: the logger, the store backend and the user directory.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	oauth "github.com/armabattles/oauth-core"
	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/providers"
	"github.com/armabattles/oauth-core/providers/static"
	"github.com/armabattles/oauth-core/storage"
	"github.com/armabattles/oauth-core/storage/memory"
	"github.com/armabattles/oauth-core/storage/sqldb"
	"github.com/armabattles/oauth-core/storage/valkey"
)

// NewLogger builds the process logger described by cfg, writing to w.
func NewLogger(cfg oauth.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}

// Backend is an opened store together with the user directory that goes with it.
type Backend struct {
	Store storage.Store
	Users providers.UserDirectory

	// Purger is set when expired records must be removed periodically.
	// The memory store purges itself and Valkey expires keys natively.
	Purger storage.Purger

	// SQL is set for the SQL drivers
	SQL *sqldb.Store

	closers []func() error
	pinger  func(context.Context) error
}

// Open connects the storage backend selected by cfg.Storage.Driver and
// resolves the user directory. A users file takes precedence over the SQL
// users table; the memory and valkey drivers require one.
func Open(ctx context.Context, cfg *oauth.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (*Backend, error) {
	b, err := OpenStore(ctx, cfg, logger, inst)
	if err != nil {
		return nil, err
	}

	users, err := openUsers(cfg, b.SQL)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.Users = users

	return b, nil
}

// OpenStore connects the storage backend only. Users is left nil.
func OpenStore(ctx context.Context, cfg *oauth.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (*Backend, error) {
	b := &Backend{}

	switch cfg.Storage.Driver {
	case oauth.StorageMemory:
		store := memory.NewWithInterval(cfg.Storage.CleanupInterval)
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		b.Store = store
		b.closers = append(b.closers, store.Close)

	case oauth.StorageSQLite, oauth.StoragePostgres, oauth.StorageMySQL:
		store, err := OpenSQL(ctx, cfg.Storage, !cfg.Storage.AutoMigrate, logger)
		if err != nil {
			return nil, err
		}
		store.SetInstrumentation(inst)
		b.Store = store
		b.SQL = store
		b.Purger = store
		b.pinger = store.Ping
		b.closers = append(b.closers, store.Close)

	case oauth.StorageValkey:
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.ValkeyAddress,
			Password:  cfg.Storage.ValkeyPassword,
			DB:        cfg.Storage.ValkeyDB,
			KeyPrefix: cfg.Storage.ValkeyKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect valkey: %w", err)
		}
		store.SetInstrumentation(inst)
		b.Store = store
		b.pinger = store.Ping
		b.closers = append(b.closers, store.Close)

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	logger.Info("Storage backend ready", "driver", cfg.Storage.Driver)
	return b, nil
}

// OpenSQL opens one of the SQL drivers. Migrations are applied unless skipMigrations is set.
func OpenSQL(ctx context.Context, cfg oauth.StorageConfig, skipMigrations bool, logger *slog.Logger) (*sqldb.Store, error) {
	dialect, err := sqldb.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	store, err := sqldb.Open(ctx, sqldb.Config{
		Dialect:        dialect,
		DSN:            cfg.DSN,
		MaxOpenConns:   cfg.MaxOpenConns,
		SkipMigrations: skipMigrations,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

func openUsers(cfg *oauth.Config, sqlStore *sqldb.Store) (providers.UserDirectory, error) {
	if cfg.UsersFile != "" {
		dir, err := static.Load(cfg.UsersFile)
		if err != nil {
			return nil, err
		}
		return dir, nil
	}
	if sqlStore != nil {
		return sqlStore.Users(), nil
	}
	return nil, fmt.Errorf("OAUTH_USERS_FILE is required with the %s storage driver", cfg.Storage.Driver)
}

// Ping checks connectivity of the backend. Backends without a remote side always succeed.
func (b *Backend) Ping(ctx context.Context) error {
	if b.pinger == nil {
		return nil
	}
	return b.pinger(ctx)
}

// Close releases the backend
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// RunPurger deletes expired records every interval until ctx is done.
// It returns nil on cancellation.
func RunPurger(ctx context.Context, purger storage.Purger, interval time.Duration, logger *slog.Logger) error {
	if purger == nil || interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := purger.PurgeExpired(ctx, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("Failed to purge expired records", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("Purged expired records", "count", removed)
			}
		}
	}
}
