// Package providers defines the collaborators the authorization server relies on
// but does not own: the directory that holds user profiles, and the resolver that
// tells which user is signed in for an incoming request.
//
// Implementations:
//   - providers/static: a YAML-backed directory for development and tests
//   - providers/mock: configurable mocks for unit testing
//   - storage/sqldb.UserDirectory: reads profiles from the application's users table
//   - HeaderSessionResolver: trusts an identity header set by an upstream auth proxy
package providers
