package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// hashLogLength is the number of digest characters to include in log lines
	hashLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Script results shared by the Lua scripts
const (
	resultOK               = "OK"
	resultExists           = "EXISTS"
	resultNotFound         = "NOT_FOUND"
	resultRevoked          = "REVOKED"
	resultExpired          = "EXPIRED"
	resultRedirectMismatch = "REDIRECT_MISMATCH"
	resultClientMismatch   = "CLIENT_MISMATCH"
	resultDuplicate        = "DUPLICATE"
	resultAccessMissing    = "ACCESS_MISSING"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	trackerMu sync.RWMutex
	tracker   *instrumentation.StorageTracker
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
	return nil
}

// Ping checks that the Valkey server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	s.tracker = instrumentation.NewStorageTracker(inst, "valkey")
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(error)) {
	s.trackerMu.RLock()
	tracker := s.tracker
	s.trackerMu.RUnlock()
	return tracker.Start(ctx, operation)
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) clientsKey() string {
	return s.prefix + "clients"
}

func (s *Store) clientCodesKey(clientID string) string {
	return s.prefix + "client_codes:" + clientID
}

func (s *Store) clientTokensKey(clientID string) string {
	return s.prefix + "client_tokens:" + clientID
}

func (s *Store) codeKey(codeHash string) string {
	return s.prefix + "code:" + codeHash
}

func (s *Store) accessKey(tokenHash string) string {
	return s.prefix + "access:" + tokenHash
}

func (s *Store) accessIDKey(accessTokenID string) string {
	return s.prefix + "access_id:" + accessTokenID
}

func (s *Store) refreshKey(tokenHash string) string {
	return s.prefix + "refresh:" + tokenHash
}

func (s *Store) refreshByAccessKey(accessTokenID string) string {
	return s.prefix + "refresh_by_access:" + accessTokenID
}

// ============================================================
// Value helpers
// ============================================================

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// laterOf returns the later of two instants
func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// hashGetAll reads a record hash. A missing key yields an empty map.
func (s *Store) hashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
}

// tokenFields renders the pair templates as the script arguments shared by the
// redeem and rotate scripts.
func tokenFields(access *storage.AccessToken, refresh *storage.RefreshToken) []string {
	return []string{
		access.ID,
		access.TokenHash,
		formatMillis(access.ExpiresAt),
		formatMillis(access.CreatedAt),
		refresh.ID,
		refresh.TokenHash,
		formatMillis(refresh.ExpiresAt),
		formatMillis(refresh.CreatedAt),
		formatMillis(laterOf(access.ExpiresAt, refresh.ExpiresAt)),
	}
}

// buildPair fills the templates with the ownership the script resolved
func buildPair(access storage.AccessToken, refresh storage.RefreshToken, userID, clientID, scopes string) *storage.TokenPair {
	access.UserID = userID
	access.ClientID = clientID
	access.Scopes = storage.SplitScopes(scopes)
	refresh.AccessTokenID = access.ID
	return &storage.TokenPair{Access: &access, Refresh: &refresh}
}

// ============================================================
// Lua scripts
// ============================================================

// luaSaveRecord creates a record hash if absent and indexes it.
//
// KEYS[1] = record key
// KEYS[2] = index set key
// ARGV[1] = expiry in Unix milliseconds, or "0" for none
// ARGV[2] = index member
// ARGV[3..] = field/value pairs
var luaSaveRecord = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'EXISTS'
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
if ARGV[1] ~= '0' then
    redis.call('PEXPIREAT', KEYS[1], ARGV[1])
end
redis.call('SADD', KEYS[2], ARGV[2])
return 'OK'
`)

// luaRevokeRecord marks an existing record hash revoked.
//
// KEYS[1] = record key
var luaRevokeRecord = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_FOUND'
end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 'OK'
`)

// luaCreatePair is appended to the redeem and rotate scripts. It expects the
// locals user_id, client_id and scopes and the pair arguments starting at ARGV[base].
const luaCreatePair = `
local access_id, access_hash = ARGV[base], ARGV[base + 1]
local refresh_id, refresh_hash = ARGV[base + 4], ARGV[base + 5]
local access_key_expiry = ARGV[base + 8]
if redis.call('EXISTS', KEYS[new_access]) == 1 or redis.call('EXISTS', KEYS[new_access + 1]) == 1
    or redis.call('EXISTS', KEYS[new_access + 2]) == 1 then
    return {'DUPLICATE'}
end
`

// luaStorePair writes the new pair; KEYS[new_access .. new_access + 4] are the
// access, access_id, refresh, refresh_by_access and client_tokens keys.
const luaStorePair = `
redis.call('HSET', KEYS[new_access],
    'id', access_id, 'user_id', user_id, 'client_id', client_id, 'scopes', scopes,
    'expires_at', ARGV[base + 2], 'revoked', '0', 'created_at', ARGV[base + 3])
redis.call('PEXPIREAT', KEYS[new_access], access_key_expiry)
redis.call('SET', KEYS[new_access + 1], access_hash, 'PXAT', access_key_expiry)
redis.call('HSET', KEYS[new_access + 2],
    'id', refresh_id, 'access_token_id', access_id,
    'expires_at', ARGV[base + 6], 'revoked', '0', 'created_at', ARGV[base + 7])
redis.call('PEXPIREAT', KEYS[new_access + 2], ARGV[base + 6])
redis.call('SET', KEYS[new_access + 3], refresh_hash, 'PXAT', ARGV[base + 6])
redis.call('SADD', KEYS[new_access + 4], access_hash)
return {'OK', user_id, scopes}
`

// luaRedeemCode atomically validates and consumes an authorization code and
// stores the issued pair.
//
// KEYS[1] = code key
// KEYS[2..6] = new access, access_id, refresh, refresh_by_access, client_tokens keys
// ARGV[1] = client ID
// ARGV[2] = redirect URI
// ARGV[3] = now in Unix milliseconds
// ARGV[4..12] = pair arguments (see tokenFields)
var luaRedeemCode = valkeygo.NewLuaScript(`
local new_access, base = 2, 4
local code = redis.call('HMGET', KEYS[1], 'client_id', 'redirect_uri', 'expires_at', 'revoked', 'user_id', 'scopes')
if not code[1] or code[1] ~= ARGV[1] then
    return {'NOT_FOUND'}
end
if code[4] == '1' then
    return {'REVOKED'}
end
if tonumber(ARGV[3]) >= tonumber(code[3]) then
    return {'EXPIRED'}
end
if code[2] ~= ARGV[2] then
    return {'REDIRECT_MISMATCH'}
end
local user_id, client_id, scopes = code[5], code[1], code[6] or ''
` + luaCreatePair + `
redis.call('HSET', KEYS[1], 'revoked', '1')
` + luaStorePair)

// luaRotateRefresh atomically validates and revokes a refresh token and its
// access token and stores the replacement pair.
//
// KEYS[1] = refresh key
// KEYS[2] = old access key
// KEYS[3..7] = new access, access_id, refresh, refresh_by_access, client_tokens keys
// ARGV[1] = client ID
// ARGV[2] = now in Unix milliseconds
// ARGV[3] = access token ID the caller resolved for the refresh token
// ARGV[4..12] = pair arguments (see tokenFields)
var luaRotateRefresh = valkeygo.NewLuaScript(`
local new_access, base = 3, 4
local refresh = redis.call('HMGET', KEYS[1], 'access_token_id', 'expires_at', 'revoked')
if not refresh[1] then
    return {'NOT_FOUND'}
end
if refresh[3] == '1' then
    return {'REVOKED'}
end
if tonumber(ARGV[2]) >= tonumber(refresh[2]) then
    return {'EXPIRED'}
end
local access = redis.call('HMGET', KEYS[2], 'id', 'user_id', 'client_id', 'scopes')
if not access[1] or access[1] ~= refresh[1] or access[1] ~= ARGV[3] then
    return {'ACCESS_MISSING'}
end
if access[3] ~= ARGV[1] then
    return {'CLIENT_MISMATCH'}
end
local user_id, client_id, scopes = access[2], access[3], access[4] or ''
` + luaCreatePair + `
redis.call('HSET', KEYS[1], 'revoked', '1')
redis.call('HSET', KEYS[2], 'revoked', '1')
` + luaStorePair)

// luaRevokeClient marks a client revoked and revokes every code and token
// recorded in its index sets. Stale index members are pruned on the way.
//
// KEYS[1] = client key
// KEYS[2] = client_codes set
// KEYS[3] = client_tokens set
// ARGV[1] = key prefix
var luaRevokeClient = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {0, 0, 0, 0}
end
redis.call('HSET', KEYS[1], 'revoked', '1')

local codes, accesses, refreshes = 0, 0, 0

for _, digest in ipairs(redis.call('SMEMBERS', KEYS[2])) do
    local key = ARGV[1] .. 'code:' .. digest
    local revoked = redis.call('HGET', key, 'revoked')
    if not revoked then
        redis.call('SREM', KEYS[2], digest)
    elseif revoked ~= '1' then
        redis.call('HSET', key, 'revoked', '1')
        codes = codes + 1
    end
end

for _, digest in ipairs(redis.call('SMEMBERS', KEYS[3])) do
    local key = ARGV[1] .. 'access:' .. digest
    local access = redis.call('HMGET', key, 'id', 'revoked')
    if not access[1] then
        redis.call('SREM', KEYS[3], digest)
    else
        if access[2] ~= '1' then
            redis.call('HSET', key, 'revoked', '1')
            accesses = accesses + 1
        end
        local refresh_hash = redis.call('GET', ARGV[1] .. 'refresh_by_access:' .. access[1])
        if refresh_hash then
            local refresh_key = ARGV[1] .. 'refresh:' .. refresh_hash
            local revoked = redis.call('HGET', refresh_key, 'revoked')
            if revoked and revoked ~= '1' then
                redis.call('HSET', refresh_key, 'revoked', '1')
                refreshes = refreshes + 1
            end
        end
    end
end

return {1, codes, accesses, refreshes}
`)
