// Package storage provides interfaces and utilities for OAuth client, authorization code,
// and token persistence.
//
// The storage package defines the core storage interfaces used throughout oauth-core:
//   - ClientStore: Manages registered OAuth clients and their revocation
//   - CodeStore: Manages authorization codes and their one-time redemption
//   - TokenStore: Manages access and refresh tokens, including rotation
//
// Opaque values (codes, access tokens, refresh tokens) are never stored in plaintext.
// Records carry a digest produced by HashToken and stores are keyed by that digest.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/sqldb: database/sql storage for SQLite, PostgreSQL and MySQL
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/mock: Mock storage for unit testing
//   - storage/storagetest: Conformance suite shared by all implementations
package storage
