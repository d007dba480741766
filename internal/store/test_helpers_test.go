package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/subathon/internal/ir"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun creates an active run with one hour on the clock.
func createTestRun(t *testing.T, s *Store, id string) ir.SubathonState {
	t.Helper()
	st := ir.SubathonState{
		ID:                  id,
		Active:              true,
		MillisecondsBudget:  time.Hour.Milliseconds(),
		MillisecondsInitial: time.Hour.Milliseconds(),
		CurrencyCode:        "USD",
		MoneyTotal:          decimal.Zero,
		Multiplier:          ir.NoMultiplier(),
		CreatedAt:           testEpoch,
		UpdatedAt:           testEpoch,
	}
	if err := s.CreateRun(context.Background(), st); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	return st
}

// createTestRecord creates a record with minimal required fields.
func createTestRecord(id, runID string, seq int64) ir.EventRecord {
	return ir.EventRecord{
		ID:                  id,
		RunID:               runID,
		Seq:                 seq,
		Kind:                ir.KindDonation,
		Source:              "twitch",
		User:                "alice",
		RawValue:            "5",
		CurrencyCode:        "USD",
		MillisecondsApplied: 60_000,
		PointsApplied:       5,
		MoneyApplied:        decimal.RequireFromString("5"),
		MultiplierFactor:    1,
		AppliedToState:      true,
		OccurredAt:          testEpoch,
		AppliedAt:           testEpoch.Add(time.Duration(seq) * time.Second),
	}
}
