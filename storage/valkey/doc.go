// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// The Store type implements [storage.ClientStore], [storage.CodeStore] and
// [storage.TokenStore], making it suitable for deployments that run several
// server replicas against shared state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"). Records are hashes whose
// timestamps are Unix milliseconds and whose scope sets are space separated:
//
//	{prefix}client:{clientID}                 -> HASH(Client)
//	{prefix}clients                           -> SET of client IDs
//	{prefix}client_codes:{clientID}           -> SET of code digests
//	{prefix}client_tokens:{clientID}          -> SET of access token digests
//	{prefix}code:{digest}                     -> HASH(AuthorizationCode), expires with the code
//	{prefix}access:{digest}                   -> HASH(AccessToken)
//	{prefix}access_id:{accessTokenID}         -> access token digest
//	{prefix}refresh:{digest}                  -> HASH(RefreshToken), expires with the token
//	{prefix}refresh_by_access:{accessTokenID} -> refresh token digest
//
// Access token records live as long as their refresh token, because rotation
// reads ownership and scopes from them. Expired records are dropped by Valkey
// itself, so the store does not implement [storage.Purger].
//
// # Atomic Operations
//
// Code redemption, refresh token rotation and client revocation run as Lua
// scripts, so concurrent redemptions of one code or rotations of one refresh
// token yield exactly one success. Scripts build secondary keys from the prefix,
// which limits the store to standalone and sentinel deployments.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "oauth:",
//	})
package valkey
