// Package store provides SQLite-backed durable state for ramlink.
//
// It holds three things:
//   - Data storage: the coordinator's key/value records, served by the
//     in-process coordinator used for simulation
//   - Item stream and checks: what the in-process coordinator has sent and
//     what locations the client has reported
//   - Journal: an append-only log of classification, delivery, state and
//     location notifications from a session
//
// # Ordering
//
// Journal rows are ordered by (session, seq). seq is assigned by the writer
// and is monotonic per session. Timestamps are informational only.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
