// Package storage persists schedules, runs, context snapshots and the
// dispatch catalog (agent profiles, tools, tasks).
//
// Drivers:
//   - "memory": process-local maps, for tests and development
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": server database through pgx
//
// The SQL drivers share one implementation and one embedded goose
// migration set. It also keeps the dedup keys used by the notifier and the
// webhook idempotency check, and an audit trail of management calls.
package storage
