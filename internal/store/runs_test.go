package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/subathon/internal/ir"
	"github.com/roach88/subathon/internal/values"
)

func TestActiveRunID_None(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ActiveRunID(context.Background())
	if !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("ActiveRunID() error = %v, want ErrNoActiveRun", err)
	}
}

func TestCreateRun_SupersedesPrevious(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	createTestRun(t, s, "run-1")
	createTestRun(t, s, "run-2")

	id, err := s.ActiveRunID(ctx)
	if err != nil {
		t.Fatalf("ActiveRunID() failed: %v", err)
	}
	if id != "run-2" {
		t.Errorf("active run = %q, want run-2", id)
	}

	old, err := s.ReadState(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadState(run-1) failed: %v", err)
	}
	if old.Active {
		t.Error("run-1 still active after run-2 was created")
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns() returned %d runs, want 2", len(runs))
	}
}

func TestSingleActiveIndex(t *testing.T) {
	s := createTestStore(t)
	createTestRun(t, s, "run-1")

	_, err := s.db.Exec(`
		INSERT INTO subathon_state (id, active, currency_code, created_at, updated_at)
		VALUES ('run-x', 1, 'USD', 1, 1)
	`)
	if err == nil {
		t.Fatal("second active run inserted; partial unique index not enforced")
	}
}

func TestReadState_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	hour := time.Hour
	started := testEpoch.Add(5 * time.Minute)
	st := ir.SubathonState{
		ID:                   "run-1",
		Active:               true,
		IsPaused:             true,
		IsReversed:           true,
		MillisecondsBudget:   7_200_000,
		MillisecondsConsumed: 1_000,
		Points:               42,
		CurrencyCode:         "CAD",
		MoneyTotal:           decimal.RequireFromString("12.34"),
		Multiplier: ir.Multiplier{
			Factor:         2.5,
			Duration:       &hour,
			StartedAt:      &started,
			ApplyToPoints:  true,
			FromHypeTrain:  true,
			HypeTrainLevel: 3,
		},
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	if err := s.CreateRun(ctx, st); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	got, err := s.ReadState(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadState() failed: %v", err)
	}
	if !got.IsPaused || got.IsLocked || !got.IsReversed {
		t.Errorf("flags = paused:%v locked:%v reversed:%v", got.IsPaused, got.IsLocked, got.IsReversed)
	}
	if got.Points != 42 || got.MillisecondsBudget != 7_200_000 || got.MillisecondsConsumed != 1_000 {
		t.Errorf("totals = %+v", got)
	}
	if !got.MoneyTotal.Equal(st.MoneyTotal) {
		t.Errorf("MoneyTotal = %s, want %s", got.MoneyTotal, st.MoneyTotal)
	}
	m := got.Multiplier
	if m.Factor != 2.5 || !m.ApplyToPoints || m.ApplyToSeconds || !m.FromHypeTrain || m.HypeTrainLevel != 3 {
		t.Errorf("multiplier = %+v", m)
	}
	if m.Duration == nil || *m.Duration != time.Hour {
		t.Errorf("multiplier duration = %v, want 1h", m.Duration)
	}
	if m.StartedAt == nil || !m.StartedAt.Equal(started) {
		t.Errorf("multiplier started = %v, want %v", m.StartedAt, started)
	}
	if !got.CreatedAt.Equal(testEpoch) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, testEpoch)
	}
}

func TestReadState_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadState(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("ReadState() error = %v, want ErrRunNotFound", err)
	}
}

func TestValues_SaveLoad(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rows := []values.Row{
		{Key: values.Key{Kind: ir.KindSubscription, Tier: "1000"}, Value: values.Value{SecondsPerUnit: 300, PointsPerUnit: 1}},
		{Key: values.Key{Kind: ir.KindCheer}, Value: values.Value{SecondsPerUnit: 0.12}},
	}
	if err := s.SaveValues(ctx, rows); err != nil {
		t.Fatalf("SaveValues() failed: %v", err)
	}

	got, err := s.LoadValues(ctx)
	if err != nil {
		t.Fatalf("LoadValues() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadValues() returned %d rows, want 2", len(got))
	}
	if got[0].Kind != ir.KindCheer || got[0].SecondsPerUnit != 0.12 {
		t.Errorf("row 0 = %+v", got[0])
	}
	if got[1].Tier != "1000" || got[1].PointsPerUnit != 1 {
		t.Errorf("row 1 = %+v", got[1])
	}

	// Save replaces the whole table.
	if err := s.SaveValues(ctx, rows[:1]); err != nil {
		t.Fatalf("SaveValues() failed: %v", err)
	}
	got, err = s.LoadValues(ctx)
	if err != nil {
		t.Fatalf("LoadValues() failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("LoadValues() returned %d rows after replace, want 1", len(got))
	}
}
