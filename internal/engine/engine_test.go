package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/subathon/internal/command"
	"github.com/roach88/subathon/internal/config"
	"github.com/roach88/subathon/internal/ir"
	"github.com/roach88/subathon/internal/store"
	"github.com/roach88/subathon/internal/testutil"
	"github.com/roach88/subathon/internal/values"
)

const testRun = "run-1"

type fixture struct {
	engine *Engine
	store  *store.Store
	clock  *clockwork.FakeClock
	rates  *testutil.FakeRates
	cfg    *config.Config
	notes  *captureNotifier
}

// captureNotifier records every notification for assertions.
type captureNotifier struct {
	mu       sync.Mutex
	states   []ir.SubathonState
	applied  []ir.EventRecord
	rejected []ir.EventRecord
	reversed []ir.EventRecord
}

func (c *captureNotifier) StateChanged(st ir.SubathonState, _ time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, st)
}

func (c *captureNotifier) EventApplied(rec ir.EventRecord, applied bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if applied {
		c.applied = append(c.applied, rec)
	} else {
		c.rejected = append(c.rejected, rec)
	}
}

func (c *captureNotifier) EventReversed(rec ir.EventRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reversed = append(c.reversed, rec)
}

func testValues() *values.Table {
	rows := []values.Row{
		{Key: values.Key{Kind: ir.KindDonation}, Value: values.Value{SecondsPerUnit: 12, PointsPerUnit: 1}},
		{Key: values.Key{Kind: ir.KindSubscription, Tier: "1000"}, Value: values.Value{SecondsPerUnit: 300, PointsPerUnit: 1}},
		{Key: values.Key{Kind: ir.KindSubscription, Tier: "2000"}, Value: values.Value{SecondsPerUnit: 600, PointsPerUnit: 2}},
		{Key: values.Key{Kind: ir.KindGiftSub}, Value: values.Value{SecondsPerUnit: 300, PointsPerUnit: 1}},
		{Key: values.Key{Kind: ir.KindCheer}, Value: values.Value{SecondsPerUnit: 0.12, PointsPerUnit: 0.01}},
		{Key: values.Key{Kind: ir.KindFollow}, Value: values.Value{SecondsPerUnit: 10}},
	}
	return values.New(rows...)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store: s,
		clock: testutil.NewClock(),
		rates: testutil.NewFakeRates(map[string]string{"CAD": "1.25", "EUR": "0.8"}),
		cfg:   config.Default(),
		notes: &captureNotifier{},
	}
	base := []Option{
		WithClock(f.clock),
		WithIDGenerator(NewFixedGenerator()),
		WithNotifier(f.notes),
	}
	f.engine = New(s, f.cfg, testValues(), f.rates, append(base, opts...)...)
	return f
}

// startRun creates run-1 with one hour on the clock.
func (f *fixture) startRun(t *testing.T, reversed bool) ir.SubathonState {
	t.Helper()
	st, err := f.engine.StartRun(context.Background(), RunOptions{
		ID:       testRun,
		Currency: "USD",
		Budget:   time.Hour,
		Reversed: reversed,
	})
	require.NoError(t, err)
	return st
}

func (f *fixture) process(t *testing.T, rec ir.EventRecord) Outcome {
	t.Helper()
	out, err := f.engine.Process(context.Background(), testRun, rec)
	require.NoError(t, err)
	return out
}

func (f *fixture) state(t *testing.T) ir.SubathonState {
	t.Helper()
	st, err := f.store.ReadState(context.Background(), testRun)
	require.NoError(t, err)
	return st
}

func (f *fixture) recordCount(t *testing.T) int {
	t.Helper()
	recs, err := f.store.ReadRecords(context.Background(), testRun)
	require.NoError(t, err)
	return len(recs)
}

func (f *fixture) interpret(t *testing.T, text string) ir.EventRecord {
	t.Helper()
	in := command.New(f.cfg, f.rates)
	rec, ok := in.Interpret(text, "streamer", ir.Roles{Broadcaster: true}, "twitch", testutil.Epoch)
	require.True(t, ok, "interpret %q", text)
	return rec
}

func donation(id, amount, code string) ir.EventRecord {
	return ir.EventRecord{ID: id, Kind: ir.KindDonation, Source: "streamlabs", User: "alice", RawValue: amount, CurrencyCode: code}
}

func sub(id, user, tier string) ir.EventRecord {
	return ir.EventRecord{ID: id, Kind: ir.KindSubscription, Source: "twitch", User: user, RawValue: tier}
}

func cmd(t ir.CommandType, raw string) ir.EventRecord {
	return ir.EventRecord{Kind: ir.KindCommand, CommandType: t, Source: "twitch", User: "streamer", RawValue: raw}
}

func hype(phase string, level int64) ir.EventRecord {
	return ir.EventRecord{Kind: ir.KindHypeTrain, Source: "twitch", RawValue: phase, UnitAmount: level}
}

const hourMs = int64(3_600_000)

func TestStartRun(t *testing.T) {
	f := newFixture(t)
	st := f.startRun(t, false)

	assert.Equal(t, testRun, st.ID)
	assert.True(t, st.Active)
	assert.Equal(t, hourMs, st.MillisecondsBudget)
	assert.Equal(t, hourMs, st.MillisecondsInitial)
	assert.Equal(t, "USD", st.CurrencyCode)
	assert.Equal(t, 1.0, st.Multiplier.Factor)
	assert.True(t, st.CreatedAt.Equal(testutil.Epoch))

	id, err := f.store.ActiveRunID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testRun, id)
	assert.Len(t, f.notes.states, 1)
}

func TestStartRun_InvalidCurrency(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.StartRun(context.Background(), RunOptions{Currency: "dollars"})
	assert.Error(t, err)
}

func TestStartRun_GeneratesID(t *testing.T) {
	f := newFixture(t)
	st, err := f.engine.StartRun(context.Background(), RunOptions{Currency: "eur"})
	require.NoError(t, err)
	assert.Equal(t, "id-1", st.ID)
	assert.Equal(t, "EUR", st.CurrencyCode)
}

func TestProcess_Donation(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	out := f.process(t, donation("don-1", "5", "USD"))

	require.True(t, out.Applied)
	assert.False(t, out.Duplicate)
	assert.Equal(t, ReasonNone, out.Reason)

	rec := out.Record
	assert.Equal(t, testRun, rec.RunID)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, int64(60_000), rec.MillisecondsApplied)
	assert.Equal(t, int64(5), rec.PointsApplied)
	assert.Equal(t, "5", rec.MoneyApplied.String())
	assert.Equal(t, 1.0, rec.MultiplierFactor)
	assert.True(t, rec.AppliedToState)
	assert.True(t, rec.AppliedAt.Equal(testutil.Epoch))

	st := f.state(t)
	assert.Equal(t, hourMs+60_000, st.MillisecondsBudget)
	assert.Equal(t, int64(5), st.Points)
	assert.Equal(t, "5", st.MoneyTotal.String())

	stored, err := f.store.ReadRecord(context.Background(), "don-1")
	require.NoError(t, err)
	assert.Equal(t, rec.MillisecondsApplied, stored.MillisecondsApplied)

	assert.Len(t, f.notes.applied, 1)
	assert.Len(t, f.notes.states, 2)
}

func TestProcess_ConvertsDonationCurrency(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	out := f.process(t, donation("don-1", "10", "EUR"))

	require.True(t, out.Applied)
	assert.Equal(t, "12.5", out.Record.MoneyApplied.String())
	assert.Equal(t, int64(150_000), out.Record.MillisecondsApplied)
	assert.Equal(t, int64(12), out.Record.PointsApplied)
	assert.Equal(t, "EUR", out.Record.CurrencyCode)
}

func TestProcess_PerUnitKinds(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	cheer := ir.EventRecord{ID: "c-1", Kind: ir.KindCheer, User: "bob", UnitAmount: 100}
	out := f.process(t, cheer)
	require.True(t, out.Applied)
	assert.Equal(t, int64(12_000), out.Record.MillisecondsApplied)
	assert.Equal(t, int64(1), out.Record.PointsApplied)
	assert.True(t, out.Record.MoneyApplied.IsZero())

	follow := ir.EventRecord{ID: "f-1", Kind: ir.KindFollow, User: "carol"}
	out = f.process(t, follow)
	require.True(t, out.Applied)
	assert.Equal(t, int64(10_000), out.Record.MillisecondsApplied, "missing unit amount counts as one")
	assert.Equal(t, int64(0), out.Record.PointsApplied)

	gifts := ir.EventRecord{ID: "g-1", Kind: ir.KindGiftSub, User: "dave", RawValue: "1000", UnitAmount: 5}
	out = f.process(t, gifts)
	require.True(t, out.Applied)
	assert.Equal(t, int64(1_500_000), out.Record.MillisecondsApplied, "tier falls back to the kind's default row")
	assert.Equal(t, int64(5), out.Record.PointsApplied)
}

func TestProcess_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	first := f.process(t, donation("don-1", "5", "USD"))
	require.True(t, first.Applied)
	before := f.state(t)

	for i := 0; i < 3; i++ {
		out := f.process(t, donation("don-1", "5", "USD"))
		assert.False(t, out.Applied)
		assert.True(t, out.Duplicate)
		assert.Equal(t, ReasonDuplicateID, out.Reason)
	}

	after := f.state(t)
	assert.Equal(t, before.MillisecondsBudget, after.MillisecondsBudget)
	assert.Equal(t, before.Points, after.Points)
	assert.True(t, before.MoneyTotal.Equal(after.MoneyTotal))
	assert.Equal(t, 1, f.recordCount(t))
	assert.Empty(t, f.notes.rejected, "duplicates are not rejections")
}

func TestProcess_DuplicateSubThenDifferentUser(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	out := f.process(t, sub("tw-1", "alice", "1000"))
	require.True(t, out.Applied)
	assert.NotEmpty(t, out.Record.EngagementKey)

	out = f.process(t, sub("tw-1", "alice", "1000"))
	assert.True(t, out.Duplicate)
	assert.Equal(t, ReasonDuplicateID, out.Reason)

	out = f.process(t, sub("tw-2", "Alice", "1000"))
	assert.True(t, out.Duplicate)
	assert.Equal(t, ReasonDuplicateEngagement, out.Reason)

	out = f.process(t, sub("tw-3", "bob", "1000"))
	require.True(t, out.Applied)

	st := f.state(t)
	assert.Equal(t, hourMs+2*300_000, st.MillisecondsBudget)
	assert.Equal(t, int64(2), st.Points)
	assert.Equal(t, 2, f.recordCount(t))
}

func TestProcess_EngagementWindowExpires(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	require.True(t, f.process(t, sub("tw-1", "alice", "1000")).Applied)

	// A different tier is a different engagement.
	require.True(t, f.process(t, sub("tw-2", "alice", "2000")).Applied)

	f.clock.Advance(11 * time.Second)
	out := f.process(t, sub("tw-3", "alice", "1000"))
	assert.True(t, out.Applied, "outside the dedup window the same engagement applies again")
}

func TestProcess_EngagementDedupDisabled(t *testing.T) {
	f := newFixture(t, WithDedupWindow(0))
	f.startRun(t, false)

	require.True(t, f.process(t, sub("tw-1", "alice", "1000")).Applied)
	assert.True(t, f.process(t, sub("tw-2", "alice", "1000")).Applied)
}

func TestProcess_LockGate(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	require.True(t, f.process(t, cmd(ir.CmdLock, "")).Applied)

	out := f.process(t, donation("don-1", "5", "USD"))
	assert.False(t, out.Applied)
	assert.False(t, out.Duplicate)
	assert.Equal(t, ReasonLocked, out.Reason)
	_, err := f.store.ReadRecord(context.Background(), "don-1")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
	require.Len(t, f.notes.rejected, 1)
	assert.Equal(t, "don-1", f.notes.rejected[0].ID)

	// Missing Value Table rows are reported after the lock gate.
	raid := ir.EventRecord{ID: "raid-1", Kind: ir.KindRaid, UnitAmount: 10}
	assert.Equal(t, ReasonLocked, f.process(t, raid).Reason)

	// Commands and the adjustments they raise bypass the lock.
	assert.True(t, f.process(t, cmd(ir.CmdAddPoints, "3")).Applied)
	money := cmd(ir.CmdAddMoney, "2")
	money.CurrencyCode = "USD"
	assert.True(t, f.process(t, money).Applied)

	require.True(t, f.process(t, cmd(ir.CmdUnlock, "")).Applied)

	out = f.process(t, donation("don-1", "5", "USD"))
	require.True(t, out.Applied, "a rejected record may be replayed once unlocked")

	st := f.state(t)
	assert.Equal(t, int64(8), st.Points)
	assert.Equal(t, "7", st.MoneyTotal.String())
}

func TestProcess_SetPointsCommand(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	rec := f.interpret(t, "!setpoints 100")
	out := f.process(t, rec)

	require.True(t, out.Applied)
	assert.Equal(t, ir.KindCommand, out.Record.Kind)
	assert.Equal(t, ir.CmdSetPoints, out.Record.CommandType)
	assert.Equal(t, "100", out.Record.RawValue)
	assert.Equal(t, int64(100), out.Record.PointsApplied)
	assert.Equal(t, int64(100), f.state(t).Points)

	out = f.process(t, f.interpret(t, "!setpoints 40"))
	require.True(t, out.Applied)
	assert.Equal(t, int64(-60), out.Record.PointsApplied)
	assert.Equal(t, int64(40), f.state(t).Points)
}

func TestProcess_PointsNeverNegative(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	require.True(t, f.process(t, cmd(ir.CmdAddPoints, "5")).Applied)
	out := f.process(t, cmd(ir.CmdSubtractPoints, "10"))

	require.True(t, out.Applied)
	assert.Equal(t, int64(-5), out.Record.PointsApplied)
	assert.Equal(t, int64(0), f.state(t).Points)

	assert.Equal(t, ReasonInvalidValue, f.process(t, cmd(ir.CmdAddPoints, "many")).Reason)
}

func TestProcess_TimeCommands(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)
	ctx := context.Background()

	out := f.process(t, f.interpret(t, "!addtime 5h5m"))
	require.True(t, out.Applied)
	assert.Equal(t, "5h5m0s", out.Record.RawValue)
	assert.Equal(t, (5*time.Hour + 5*time.Minute).Milliseconds(), out.Record.MillisecondsApplied)

	_, err := f.engine.Advance(ctx, testRun, 30*time.Minute)
	require.NoError(t, err)

	// Subtracting more than remains stops at zero remaining.
	out = f.process(t, cmd(ir.CmdSubtractTime, "24h0m0s"))
	require.True(t, out.Applied)
	st := f.state(t)
	assert.Equal(t, time.Duration(0), st.Remaining())
	assert.Equal(t, -(6*hourMs + 300_000 - 1_800_000), out.Record.MillisecondsApplied)

	// SetTime assigns the remaining time.
	out = f.process(t, cmd(ir.CmdSetTime, "10m"))
	require.True(t, out.Applied)
	assert.Equal(t, int64(600_000), out.Record.MillisecondsApplied)
	assert.Equal(t, 10*time.Minute, f.state(t).Remaining())
}

func TestProcess_AddMoneyConverts(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	rec := f.interpret(t, "!addmoney 5 CAD")
	out := f.process(t, rec)

	require.True(t, out.Applied)
	assert.Equal(t, ir.KindAdjustment, out.Record.Kind)
	assert.Equal(t, ir.CmdAddMoney, out.Record.CommandType)
	assert.Equal(t, "4", out.Record.MoneyApplied.String())
	assert.Equal(t, int64(0), out.Record.MillisecondsApplied)
	assert.Equal(t, int64(0), out.Record.PointsApplied)
	assert.Equal(t, "4", f.state(t).MoneyTotal.String())

	out = f.process(t, f.interpret(t, "!subtractmoney 10 USD"))
	require.True(t, out.Applied)
	assert.Equal(t, "-4", out.Record.MoneyApplied.String(), "money total never goes below zero")
	assert.True(t, f.state(t).MoneyTotal.IsZero())
}

func TestProcess_Multiplier(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	out := f.process(t, f.interpret(t, "!setmultiplier 2pt 1h"))
	require.True(t, out.Applied)
	assert.Equal(t, "2|3600s|true|true", out.Record.RawValue)

	st := f.state(t)
	assert.Equal(t, 2.0, st.Multiplier.Factor)
	require.NotNil(t, st.Multiplier.StartedAt)
	assert.True(t, st.Multiplier.StartedAt.Equal(testutil.Epoch))
	assert.False(t, st.Multiplier.FromHypeTrain)

	out = f.process(t, donation("don-1", "5", "USD"))
	require.True(t, out.Applied)
	assert.Equal(t, int64(120_000), out.Record.MillisecondsApplied)
	assert.Equal(t, int64(10), out.Record.PointsApplied)
	assert.Equal(t, 2.0, out.Record.MultiplierFactor)
	assert.True(t, out.Record.MultiplierPoints)
	assert.True(t, out.Record.MultiplierSeconds)
	assert.Equal(t, "5", out.Record.MoneyApplied.String(), "money is never multiplied")

	f.clock.Advance(time.Hour)
	out = f.process(t, donation("don-2", "5", "USD"))
	require.True(t, out.Applied)
	assert.Equal(t, int64(60_000), out.Record.MillisecondsApplied, "expired multiplier no longer applies")
	assert.Equal(t, 1.0, out.Record.MultiplierFactor)
	assert.Equal(t, 1.0, f.state(t).Multiplier.Factor, "expiry is persisted with the next commit")
}

func TestProcess_MultiplierSingleTarget(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	require.True(t, f.process(t, cmd(ir.CmdSetMultiplier, "3|xs|true|false")).Applied)

	out := f.process(t, donation("don-1", "5", "USD"))
	assert.Equal(t, int64(60_000), out.Record.MillisecondsApplied)
	assert.Equal(t, int64(15), out.Record.PointsApplied)
}

func TestProcess_SetMultiplierWithoutTargetStops(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	require.True(t, f.process(t, f.interpret(t, "!setmultiplier 2pt")).Applied)
	require.Equal(t, 2.0, f.state(t).Multiplier.Factor)

	rec := f.interpret(t, "!setmultiplier 2x 1h")
	assert.Equal(t, ir.CmdStopMultiplier, rec.CommandType)
	assert.Equal(t, ir.MultiplierFailedValue, rec.RawValue)

	out := f.process(t, rec)
	require.True(t, out.Applied)
	assert.Equal(t, 1.0, f.state(t).Multiplier.Factor)

	assert.Equal(t, ReasonInvalidValue, f.process(t, cmd(ir.CmdSetMultiplier, "2|xs|false|false")).Reason)
}

func TestProcess_ReversedMode(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, true)

	out := f.process(t, donation("don-1", "5", "USD"))

	require.True(t, out.Applied)
	assert.True(t, out.Record.WasReversed)
	assert.Equal(t, int64(-60_000), out.Record.MillisecondsApplied)
	assert.Equal(t, int64(5), out.Record.PointsApplied)

	st := f.state(t)
	assert.Equal(t, hourMs-60_000, st.MillisecondsBudget)
	assert.Equal(t, "5", st.MoneyTotal.String())
}

func TestProcess_HypeTrain(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	out := f.process(t, hype(ir.HypeTrainStart, 1))
	require.True(t, out.Applied)
	st := f.state(t)
	assert.Equal(t, 1.5, st.Multiplier.Factor)
	assert.True(t, st.Multiplier.FromHypeTrain)
	assert.Equal(t, 1, st.Multiplier.HypeTrainLevel)
	assert.Nil(t, st.Multiplier.Duration)

	require.True(t, f.process(t, hype(ir.HypeTrainProgress, 3)).Applied)
	assert.Equal(t, 2.0, f.state(t).Multiplier.Factor)

	out = f.process(t, hype(ir.HypeTrainProgress, 2))
	assert.Equal(t, ReasonNoChange, out.Reason, "levels only go up")
	assert.Equal(t, 2.0, f.state(t).Multiplier.Factor)

	out = f.process(t, donation("don-1", "5", "USD"))
	assert.Equal(t, int64(120_000), out.Record.MillisecondsApplied)
	assert.Equal(t, int64(10), out.Record.PointsApplied)

	require.True(t, f.process(t, hype(ir.HypeTrainEnd, 0)).Applied)
	st = f.state(t)
	assert.Equal(t, 1.0, st.Multiplier.Factor)
	assert.False(t, st.Multiplier.FromHypeTrain)

	assert.Equal(t, ReasonNoChange, f.process(t, hype(ir.HypeTrainEnd, 0)).Reason)
	assert.Equal(t, ReasonInvalidValue, f.process(t, hype("derailed", 1)).Reason)
}

func TestProcess_HypeTrainEndKeepsOperatorMultiplier(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	require.True(t, f.process(t, cmd(ir.CmdSetMultiplier, "3|xs|true|true")).Applied)
	assert.Equal(t, ReasonNoChange, f.process(t, hype(ir.HypeTrainEnd, 0)).Reason)
	assert.Equal(t, 3.0, f.state(t).Multiplier.Factor)
}

func TestProcess_Rejections(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	tests := []struct {
		name string
		rec  ir.EventRecord
		want RejectReason
	}{
		{"unknown kind", ir.EventRecord{Kind: "bogus"}, ReasonUnknownKind},
		{"unknown command", cmd("Explode", ""), ReasonUnknownKind},
		{"adjustment without money command", ir.EventRecord{Kind: ir.KindAdjustment, CommandType: ir.CmdPause}, ReasonInvalidValue},
		{"no value row", ir.EventRecord{Kind: ir.KindRaid, UnitAmount: 10}, ReasonNoValue},
		{"bad amount", donation("", "lots", "USD"), ReasonInvalidValue},
		{"unknown currency", donation("", "5", "JPY"), ReasonConversion},
		{"bad duration", cmd(ir.CmdAddTime, "soon"), ReasonInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.process(t, tt.rec)
			assert.True(t, out.Rejected())
			assert.Equal(t, tt.want, out.Reason)
			assert.NotEmpty(t, out.Record.ID, "rejected records still get an ID")
		})
	}
	assert.Equal(t, 0, f.recordCount(t))
}

func TestProcess_ConversionFailure(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	require.True(t, f.process(t, donation("don-1", "5", "CAD")).Applied)

	f.rates.Fail(errors.New("rates unavailable"))

	out := f.process(t, donation("don-2", "5", "CAD"))
	assert.Equal(t, ReasonConversion, out.Reason)

	// The idempotency gate wins over a conversion failure.
	out = f.process(t, donation("don-1", "5", "CAD"))
	assert.True(t, out.Duplicate)

	// Same-currency donations do not depend on the rate source.
	f.rates.Fail(nil)
	assert.True(t, f.process(t, donation("don-3", "5", "USD")).Applied)
	assert.Equal(t, 2, f.recordCount(t))
}

func TestProcess_RunResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.engine.ProcessActive(ctx, donation("", "5", "USD"))
	require.NoError(t, err)
	assert.Equal(t, ReasonNoActiveRun, out.Reason)
	assert.Equal(t, "id-1", out.Record.ID)

	f.startRun(t, false)

	out, err = f.engine.ProcessActive(ctx, donation("don-1", "5", "USD"))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, testRun, out.Record.RunID)

	out, err = f.engine.Process(ctx, "run-missing", donation("don-2", "5", "USD"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRunNotFound, out.Reason)
}

func TestProcess_PersistenceError(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)
	require.NoError(t, f.store.Close())

	_, err := f.engine.Process(context.Background(), testRun, donation("don-1", "5", "USD"))
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.False(t, IsPersistenceError(errors.New("other")))
}

func TestProcess_ConcurrentSameRun(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, false)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.engine.Process(context.Background(), testRun, donation(fmt.Sprintf("don-%d", i), "1", "USD"))
			if err != nil {
				errs <- err
				return
			}
			if !out.Applied {
				errs <- fmt.Errorf("don-%d not applied: %s", i, out.Reason)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	st := f.state(t)
	assert.Equal(t, int64(n), st.Points)
	assert.Equal(t, hourMs+n*12_000, st.MillisecondsBudget)

	recs, err := f.store.ReadRecords(context.Background(), testRun)
	require.NoError(t, err)
	require.Len(t, recs, n)
	for i, rec := range recs {
		assert.Equal(t, int64(i+1), rec.Seq)
	}
}
