// Package store is the durable record of tasks and workspace channel routes.
//
// Every cross-event safety guarantee lives here. Claim and
// DeleteIfInProgress are compare-and-swap operations on the task's status,
// and SetMessageRef is a single conditional write that refuses a reference
// held by another task. Callers never lock.
//
// # Backends
//
//   - SQLiteStore: single-file database (modernc.org/sqlite, no cgo)
//   - PostgresStore: shared database for several controller processes (pgx)
//   - KVStore: any state.StateStore, e.g. NATS JetStream KV
//
// All three pass the same contract tests in store_test.go.
package store
