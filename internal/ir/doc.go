// Package ir provides the canonical domain types for the subathon engine.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// domain model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Time budgets are integer milliseconds, never float seconds, so that
//     reversal of a recorded effect is exact
//   - Money is always shopspring/decimal, never float64
//   - Event kinds and command types are closed sets; every switch over them
//     is exhaustive and unknown values are rejected
//   - All JSON tags use snake_case
package ir
