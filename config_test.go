package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFrom_Defaults(t *testing.T) {
	cfg, err := LoadConfigFrom(map[string]string{
		"OAUTH_ISSUER": "https://auth.example.com",
	})
	if err != nil {
		t.Fatalf("LoadConfigFrom() error = %v", err)
	}

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, []string{"profile", "email"}, cfg.DefaultScopes)
	assert.Empty(t, cfg.SupportedScopes)
	assert.Equal(t, 10*time.Minute, cfg.AuthorizationCodeTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 90*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
	assert.True(t, cfg.Storage.AutoMigrate)
	assert.Equal(t, "X-Authenticated-User", cfg.SessionHeader)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadConfigFrom_Overrides(t *testing.T) {
	cfg, err := LoadConfigFrom(map[string]string{
		"OAUTH_ISSUER":                   "https://auth.example.com",
		"OAUTH_SUPPORTED_SCOPES":         "profile,email,games",
		"OAUTH_CODE_TTL":                 "5m",
		"OAUTH_STORAGE_DRIVER":           "Valkey",
		"OAUTH_STORAGE_VALKEY_ADDRESS":   "valkey:6379",
		"OAUTH_STORAGE_VALKEY_DB":        "2",
		"OAUTH_RATE_LIMIT_RATE":          "2.5",
		"OAUTH_LOG_FORMAT":               "text",
		"OAUTH_TELEMETRY_ENABLED":        "true",
		"OAUTH_TELEMETRY_TRACE_ENDPOINT": "http://collector:4318/v1/traces",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"profile", "email", "games"}, cfg.SupportedScopes)
	assert.Equal(t, 5*time.Minute, cfg.AuthorizationCodeTTL)
	assert.Equal(t, StorageValkey, cfg.Storage.Driver)
	assert.Equal(t, "valkey:6379", cfg.Storage.ValkeyAddress)
	assert.Equal(t, 2, cfg.Storage.ValkeyDB)
	assert.InDelta(t, 2.5, cfg.RateLimit.Rate, 0.001)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "http://collector:4318/v1/traces", cfg.Telemetry.TraceEndpoint)
}

func TestLoadConfigFrom_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing issuer",
			env:  map[string]string{},
		},
		{
			name: "unknown storage driver",
			env: map[string]string{
				"OAUTH_ISSUER":         "https://auth.example.com",
				"OAUTH_STORAGE_DRIVER": "mongodb",
			},
		},
		{
			name: "malformed duration",
			env: map[string]string{
				"OAUTH_ISSUER":   "https://auth.example.com",
				"OAUTH_CODE_TTL": "ten minutes",
			},
		},
		{
			name: "sub-second lifetime",
			env: map[string]string{
				"OAUTH_ISSUER":           "https://auth.example.com",
				"OAUTH_ACCESS_TOKEN_TTL": "500ms",
			},
		},
		{
			name: "unknown log format",
			env: map[string]string{
				"OAUTH_ISSUER":     "https://auth.example.com",
				"OAUTH_LOG_FORMAT": "xml",
			},
		},
		{
			name: "negative rate",
			env: map[string]string{
				"OAUTH_ISSUER":          "https://auth.example.com",
				"OAUTH_RATE_LIMIT_RATE": "-1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfigFrom(tt.env); err == nil {
				t.Error("LoadConfigFrom() error = nil, want error")
			}
		})
	}
}

func TestConfig_ServerConfig(t *testing.T) {
	cfg, err := LoadConfigFrom(map[string]string{
		"OAUTH_ISSUER":              "https://auth.example.com",
		"OAUTH_LOGIN_URL":           "https://auth.example.com/login",
		"OAUTH_TRUST_PROXY":         "true",
		"OAUTH_TRUSTED_PROXY_COUNT": "2",
	})
	require.NoError(t, err)

	sc := cfg.ServerConfig()

	assert.Equal(t, "https://auth.example.com", sc.Issuer)
	assert.Equal(t, int64(600), sc.AuthorizationCodeTTL)
	assert.Equal(t, int64(2592000), sc.AccessTokenTTL)
	assert.Equal(t, int64(7776000), sc.RefreshTokenTTL)
	assert.Equal(t, "https://auth.example.com/login", sc.LoginURL)
	assert.True(t, sc.TrustProxy)
	assert.Equal(t, 2, sc.TrustedProxyCount)
	assert.NoError(t, sc.Validate())
}

func TestConfig_RateLimiterConfig(t *testing.T) {
	cfg := &Config{RateLimit: RateLimitConfig{Rate: 5, Burst: 10, MaxEntries: 100}}

	rl, ok := cfg.RateLimiterConfig()
	require.True(t, ok)
	assert.InDelta(t, 5.0, rl.RequestsPerSecond, 0.001)
	assert.Equal(t, 10, rl.Burst)
	assert.Equal(t, 100, rl.MaxEntries)

	cfg.RateLimit.Rate = 0
	_, ok = cfg.RateLimiterConfig()
	assert.False(t, ok, "zero rate disables limiting")
}

func TestConfig_InstrumentationConfig(t *testing.T) {
	cfg := &Config{Telemetry: TelemetryConfig{
		Enabled:       true,
		ServiceName:   "oauth-core",
		TraceEndpoint: "http://collector:4318/v1/traces",
		LogClientIPs:  true,
	}}

	ic := cfg.InstrumentationConfig("1.2.3")

	assert.True(t, ic.Enabled)
	assert.Equal(t, "oauth-core", ic.ServiceName)
	assert.Equal(t, "1.2.3", ic.ServiceVersion)
	assert.Equal(t, "http://collector:4318/v1/traces", ic.TraceEndpoint)
	assert.True(t, ic.LogClientIPs)
}
