// Package store provides SQLite-backed durable storage for subathon runs.
//
// Three tables:
//   - subathon_state: one row per run; at most one row has active = 1
//     (partial unique index)
//   - event_records: the ledger of applied events, each carrying the exact
//     milliseconds, points and money it contributed
//   - value_table: persisted Value Table rows
//
// # Critical Patterns
//
// Atomic commits
//   - A state update and its record insert (or delete, for reversal) run in
//     one transaction via WithTx
//   - Dedup checks read inside the same transaction, so a duplicate can
//     never slip in between check and insert
//
// Logical ordering
//   - Records carry seq, a per-database logical clock
//   - All ledger queries use ORDER BY seq ASC, id ASC COLLATE BINARY
//
// Idempotency
//   - event_records.id is the primary dedup key; InsertRecord uses
//     ON CONFLICT(id) DO NOTHING and reports whether a row was written
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Records are deleted with their run
//   - One open connection: SQLite's single writer
package store
