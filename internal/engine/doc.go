// Package engine implements the subathon event processing engine.
//
// The engine decides, exactly once and deterministically, how each event
// record changes a run's timer, point total and money total.
//
// ARCHITECTURE:
//
// Per-Run Serialization:
// Every read-modify-write of a run happens under that run's mutex and
// inside one store transaction. Different runs never contend. The store
// itself has a single connection, so commits are serialized too.
//
// Event Processing Flow:
//  1. Process stamps the record (ID, run, applied-at)
//  2. Value Table lookup and currency conversion, outside the run lock
//  3. Idempotency gate: a known record ID is a duplicate
//  4. Engagement dedup: the same (run, kind, user, tier) within the dedup
//     window is a duplicate
//  5. Lock gate: only commands and adjustments pass a locked run
//  6. Effect computation (exhaustive switch over kinds and command types)
//  7. State update and record insert commit together
//  8. Hub and registered notifiers are told after the lock is released
//
// Adapters may call Process directly or go through the intake queue and
// the single Run goroutine.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Records are stamped with a per-database seq assigned inside the commit.
// Ledger reads are ordered by seq, then id. Wall-clock time is only used
// for multiplier expiry, engagement windows and display.
//
// Exact Reversal:
// Each record stores the deltas actually applied (after clamping). Reverse
// subtracts that snapshot; it never recomputes from configuration.
package engine
