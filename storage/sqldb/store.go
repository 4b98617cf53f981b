// Package sqldb provides a database/sql storage backend for the authorization
// server. It supports SQLite (modernc.org/sqlite), PostgreSQL (pgx) and MySQL
// (go-sql-driver/mysql) and applies its schema with goose.
//
// Timestamps are stored as Unix milliseconds, scope sets as space separated text
// and redirect URI lists as JSON arrays, so the same schema serves every dialect.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/storage"
	"github.com/armabattles/oauth-core/storage/sqldb/migrations"
)

// Dialect names a supported SQL database.
type Dialect string

// Supported dialects
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// sqliteDefaultPragmas are appended to SQLite DSNs that set no pragmas of their own.
const sqliteDefaultPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// ParseDialect validates a dialect name.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(name))); d {
	case DialectSQLite, DialectPostgres, DialectMySQL:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", name)
	}
}

// driverName returns the database/sql driver registered for the dialect
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// gooseDialect returns the goose dialect for d
func (d Dialect) gooseDialect() goose.Dialect {
	switch d {
	case DialectPostgres:
		return goose.DialectPostgres
	case DialectMySQL:
		return goose.DialectMySQL
	default:
		return goose.DialectSQLite3
	}
}

// Config holds configuration for the SQL storage backend.
type Config struct {
	// Dialect selects the database (required)
	Dialect Dialect

	// DSN is the driver specific data source name (required).
	// For SQLite it is a file path, optionally followed by query parameters.
	DSN string

	// MaxOpenConns bounds the connection pool. SQLite always uses a single connection.
	MaxOpenConns int

	// SkipMigrations disables applying the embedded schema on Open
	SkipMigrations bool

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a database/sql implementation of all storage interfaces.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger

	trackerMu sync.RWMutex
	tracker   *instrumentation.StorageTracker
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Purger      = (*Store)(nil)
)

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sql dsn is required")
	}
	dialect, err := ParseDialect(string(cfg.Dialect))
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if dialect == DialectSQLite && !strings.Contains(dsn, "_pragma=") {
		if strings.Contains(dsn, "?") {
			dsn += "&" + sqliteDefaultPragmas
		} else {
			dsn += "?" + sqliteDefaultPragmas
		}
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}

	switch {
	case dialect == DialectSQLite:
		// SQLite allows one writer; a single connection serializes transactions.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	s := New(db, dialect, cfg.Logger)

	if !cfg.SkipMigrations {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s.logger.Info("Connected to SQL storage", "dialect", dialect)
	return s, nil
}

// New wraps an existing database handle. The schema must already be applied,
// or Migrate must be called before use.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}
}

// Migrate applies every pending embedded migration.
func (s *Store) Migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(s.dialect.gooseDialect(), s.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	for _, r := range results {
		s.logger.Info("Applied migration",
			"version", r.Source.Version,
			"duration", r.Duration)
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the database dialect of the store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	s.tracker = instrumentation.NewStorageTracker(inst, "sql")
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(error)) {
	s.trackerMu.RLock()
	tracker := s.tracker
	s.trackerMu.RUnlock()
	return tracker.Start(ctx, operation)
}

// rebind rewrites ? placeholders into the dialect's bind syntax.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, db queryer, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique or primary key violation
// in any supported driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
