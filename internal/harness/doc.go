// Package harness runs subathon scenarios as executable contract tests.
//
// A scenario starts one run on a fresh in-memory store, drives events,
// commands, reversals and clock ticks through the real engine and command
// interpreter, and checks the outcome of each step and the final state.
//
// # Scenario Format
//
//	name: locked_replay
//	description: "What this scenario validates"
//	config: |            # optional CUE, unified with the default schema
//	  currency: "USD"
//	run:
//	  currency: USD      # default: config currency
//	  budget: 1h         # default: 1h
//	  reversed: false
//	rates:               # units per one USD
//	  CAD: "1.25"
//	values:              # replaces the configured Value Table
//	  - {kind: donation, seconds: 12, points: 1}
//	steps:
//	  - command: {text: "!lock", roles: [broadcaster]}
//	  - event: {id: don-1, kind: donation, user: alice, value: "5"}
//	    expect: {applied: false, reason: locked}
//	  - reverse: don-1
//	  - undo_simulated: true
//	  - tick: 30m        # run clock
//	  - wait: 15s        # wall clock only
//	assertions:
//	  - type: final_state
//	    expect: {locked: true, points: 0}
//
// # Assertion Types
//
//   - trace_contains: some step's trace fields match
//   - trace_count: exactly N steps match
//   - trace_order: the ledger holds the record IDs in this order
//   - final_state: the run's final state matches (subset)
//   - ledger_count: the ledger holds exactly N records
//   - audit_clean: the ledger sums to the run totals
//
// # Determinism
//
// The clock is fake and starts at testutil.Epoch, generated record IDs are
// sequential (evt-1, evt-2, ...), and rates are fixed, so the trace of a
// scenario is identical on every run. Traces are snapshotted one canonical
// JSON object per line for golden comparison.
package harness
