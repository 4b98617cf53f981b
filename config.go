package oauth

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/server"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig
const EnvPrefix = "OAUTH_"

// Storage drivers accepted by StorageConfig.Driver
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMySQL    = "mysql"
	StorageValkey   = "valkey"
)

var storageDrivers = []string{StorageMemory, StorageSQLite, StoragePostgres, StorageMySQL, StorageValkey}

// Config holds the deployment configuration of the authorization server binaries.
// It is read from OAUTH_* environment variables.
type Config struct {
	// Issuer is the public base URL of the server (required)
	Issuer string `env:"ISSUER,required"`

	// ListenAddr is the HTTP listen address
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// LoginURL is where users without a session are sent; empty answers 401 login_required
	LoginURL string `env:"LOGIN_URL"`

	// SessionHeader carries the signed-in user ID set by the authenticating proxy
	SessionHeader string `env:"SESSION_HEADER" envDefault:"X-Authenticated-User"`

	DefaultScopes   []string `env:"DEFAULT_SCOPES" envSeparator:"," envDefault:"profile,email"`
	SupportedScopes []string `env:"SUPPORTED_SCOPES" envSeparator:","`

	AuthorizationCodeTTL time.Duration `env:"CODE_TTL" envDefault:"10m"`
	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"720h"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"2160h"`

	// TrustProxy honours X-Forwarded-For; only enable behind a trusted proxy
	TrustProxy        bool `env:"TRUST_PROXY"`
	TrustedProxyCount int  `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	// AllowInsecureHTTP permits an http issuer on a non-loopback host
	AllowInsecureHTTP bool `env:"ALLOW_INSECURE_HTTP"`

	// UsersFile is a YAML user directory; when empty the SQL users table is used
	UsersFile string `env:"USERS_FILE"`

	Storage   StorageConfig   `envPrefix:"STORAGE_"`
	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	Log       LogConfig       `envPrefix:"LOG_"`
	Telemetry TelemetryConfig `envPrefix:"TELEMETRY_"`
}

// StorageConfig selects and configures the store backend
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres, mysql or valkey
	Driver string `env:"DRIVER" envDefault:"sqlite"`

	// DSN is the SQL data source name
	DSN string `env:"DSN" envDefault:"oauth.db"`

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" envDefault:"true"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`

	ValkeyAddress   string `env:"VALKEY_ADDRESS" envDefault:"localhost:6379"`
	ValkeyPassword  string `env:"VALKEY_PASSWORD"`
	ValkeyDB        int    `env:"VALKEY_DB"`
	ValkeyKeyPrefix string `env:"VALKEY_KEY_PREFIX" envDefault:"oauth:"`
}

// HTTPConfig holds http.Server timeouts
type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// RateLimitConfig holds per-IP rate limiting for the token and revocation endpoints
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64 `env:"RATE" envDefault:"10"`

	// Burst is the maximum burst size allowed per IP
	Burst int `env:"BURST" envDefault:"20"`

	// MaxEntries bounds the number of tracked IPs
	MaxEntries int `env:"MAX_ENTRIES" envDefault:"10000"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `env:"LEVEL" envDefault:"info"`

	// Format is json or text
	Format string `env:"FORMAT" envDefault:"json"`

	// Audit enables the security audit trail
	Audit bool `env:"AUDIT" envDefault:"true"`
}

// TelemetryConfig configures OpenTelemetry
type TelemetryConfig struct {
	Enabled       bool   `env:"ENABLED"`
	ServiceName   string `env:"SERVICE_NAME" envDefault:"oauth-core"`
	TraceEndpoint string `env:"TRACE_ENDPOINT"`
	LogClientIPs  bool   `env:"LOG_CLIENT_IPS"`
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig() (*Config, error) {
	return loadConfig(env.Options{Prefix: EnvPrefix})
}

// LoadConfigFrom reads the configuration from the given variables instead of
// the process environment. Keys include the OAUTH_ prefix.
func LoadConfigFrom(environ map[string]string) (*Config, error) {
	return loadConfig(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func loadConfig(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the server package does not validate itself.
func (c *Config) Validate() error {
	if !slices.Contains(storageDrivers, c.Storage.Driver) {
		return fmt.Errorf("unsupported storage driver %q (want one of %s)",
			c.Storage.Driver, strings.Join(storageDrivers, ", "))
	}
	if c.AuthorizationCodeTTL < time.Second || c.AccessTokenTTL < time.Second || c.RefreshTokenTTL < time.Second {
		return fmt.Errorf("token lifetimes must be at least one second")
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	return nil
}

// ServerConfig maps the deployment configuration onto the server package's Config
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:               c.Issuer,
		AuthorizationCodeTTL: int64(c.AuthorizationCodeTTL / time.Second),
		AccessTokenTTL:       int64(c.AccessTokenTTL / time.Second),
		RefreshTokenTTL:      int64(c.RefreshTokenTTL / time.Second),
		DefaultScopes:        c.DefaultScopes,
		SupportedScopes:      c.SupportedScopes,
		LoginURL:             c.LoginURL,
		TrustProxy:           c.TrustProxy,
		TrustedProxyCount:    c.TrustedProxyCount,
		AllowInsecureHTTP:    c.AllowInsecureHTTP,
	}
}

// RateLimiterConfig returns the limiter settings, or false when limiting is disabled
func (c *Config) RateLimiterConfig() (security.RateLimitConfig, bool) {
	if c.RateLimit.Rate == 0 {
		return security.RateLimitConfig{}, false
	}
	return security.RateLimitConfig{
		RequestsPerSecond: c.RateLimit.Rate,
		Burst:             c.RateLimit.Burst,
		MaxEntries:        c.RateLimit.MaxEntries,
	}, true
}

// InstrumentationConfig maps the telemetry settings
func (c *Config) InstrumentationConfig(version string) instrumentation.Config {
	return instrumentation.Config{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Enabled:        c.Telemetry.Enabled,
		TraceEndpoint:  c.Telemetry.TraceEndpoint,
		LogClientIPs:   c.Telemetry.LogClientIPs,
	}
}
