// Package server implements the core OAuth 2.0 authorization server logic.
//
// The Server type coordinates client lookup, the authorize/consent sequence,
// token exchange and rotation, bearer token resolution and revocation on top of
// the storage interfaces. It holds no protocol state of its own: every mutation
// is a single call into the injected store, so any number of Server instances
// can share one durable backend.
//
// The Server delegates to:
//   - Client, code and token storage (storage package)
//   - User profile lookup (providers.UserDirectory)
//   - Secret hashing, auditing and time checks (security package)
//   - Tracing and metrics (instrumentation package)
//
// Example usage:
//
//	store, _ := sqldb.Open(ctx, sqldb.Config{Dialect: sqldb.DialectSQLite, DSN: "oauth.db"})
//
//	config := &server.Config{
//	    Issuer: "https://auth.example.com",
//	}
//
//	srv, err := server.New(store, store, store, store.Users(), config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// The HTTP layer lives in the root oauth package and calls BeginAuthorization,
// CompleteAuthorization, Exchange, ResolveBearer and RevokeToken.
package server
