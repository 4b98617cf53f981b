// Package memory is an in-process implementation of every storage interface.
//
// Records live in maps guarded by one sync.RWMutex. Redeeming a code and
// rotating a refresh token happen under the write lock, so exactly one caller
// wins a race. A background loop drops records that expired, on the interval
// given to NewWithInterval.
//
// State is lost on restart and is not shared between instances. Use it for
// tests and single-process development; deployments use storage/sqldb or
// storage/valkey.
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.NewWithStore(store, users, cfg, logger)
package memory
