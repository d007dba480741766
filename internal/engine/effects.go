package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/subathon/internal/command"
	"github.com/roach88/subathon/internal/ir"
)

var thousand = decimal.NewFromInt(1000)

// effect folds rec into st and fills rec's effect snapshot.
func (e *Engine) effect(st *ir.SubathonState, rec *ir.EventRecord, p prepared, now time.Time) RejectReason {
	switch rec.Kind {
	case ir.KindCommand, ir.KindAdjustment:
		return applyCommand(st, rec, p.money, now)
	case ir.KindHypeTrain:
		return e.applyHypeTrain(st, rec, now)
	case ir.KindDonation, ir.KindOrder,
		ir.KindSubscription, ir.KindResubscription, ir.KindGiftSub,
		ir.KindMembership, ir.KindGiftMembership,
		ir.KindCheer, ir.KindRaid, ir.KindFollow:
		return applyValued(st, rec, p, now)
	default:
		return ReasonUnknownKind
	}
}

// applyValued prices an engagement or donation through the Value Table.
// Currency kinds are priced per converted money unit, every other kind per
// UnitAmount (at least one).
func applyValued(st *ir.SubathonState, rec *ir.EventRecord, p prepared, now time.Time) RejectReason {
	info, _ := rec.Kind.Info()

	units := decimal.NewFromInt(max(rec.UnitAmount, 1))
	if info.Currency {
		units = p.money
	}
	seconds := units.Mul(decimal.NewFromFloat(p.value.SecondsPerUnit))
	points := units.Mul(decimal.NewFromFloat(p.value.PointsPerUnit))

	if m := st.Multiplier; m.Running(now) {
		factor := decimal.NewFromFloat(m.Factor)
		if m.ApplyToSeconds {
			seconds = seconds.Mul(factor)
		}
		if m.ApplyToPoints {
			points = points.Mul(factor)
		}
		recordMultiplier(rec, m)
	}

	if st.IsReversed {
		seconds = seconds.Neg()
		rec.WasReversed = true
	}

	rec.MillisecondsApplied = addTime(st, seconds.Mul(thousand).Round(0).IntPart())
	rec.PointsApplied = addPoints(st, points.Floor().IntPart())
	if info.Currency {
		rec.MoneyApplied = addMoney(st, p.money)
	}
	return ReasonNone
}

// applyCommand executes an operator command. Money commands are persisted
// as adjustments with no time or points.
func applyCommand(st *ir.SubathonState, rec *ir.EventRecord, money decimal.Decimal, now time.Time) RejectReason {
	switch rec.CommandType {
	case ir.CmdPause:
		st.IsPaused = true
	case ir.CmdResume:
		st.IsPaused = false
	case ir.CmdLock:
		st.IsLocked = true
	case ir.CmdUnlock:
		st.IsLocked = false

	case ir.CmdAddPoints, ir.CmdSubtractPoints, ir.CmdSetPoints:
		n, err := strconv.ParseInt(strings.TrimSpace(rec.RawValue), 10, 64)
		if err != nil || n < 0 {
			return ReasonInvalidValue
		}
		switch rec.CommandType {
		case ir.CmdAddPoints:
			rec.PointsApplied = addPoints(st, n)
		case ir.CmdSubtractPoints:
			rec.PointsApplied = addPoints(st, -n)
		default:
			rec.PointsApplied = addPoints(st, n-st.Points)
		}

	case ir.CmdAddTime, ir.CmdSubtractTime, ir.CmdSetTime:
		d, err := recordDuration(rec.RawValue)
		if err != nil {
			return ReasonInvalidValue
		}
		ms := d.Milliseconds()
		switch rec.CommandType {
		case ir.CmdAddTime:
			rec.MillisecondsApplied = addTime(st, ms)
		case ir.CmdSubtractTime:
			rec.MillisecondsApplied = addTime(st, -ms)
		default:
			rec.MillisecondsApplied = addTime(st, st.MillisecondsConsumed+ms-st.MillisecondsBudget)
		}

	case ir.CmdSetMultiplier:
		spec, err := command.DecodeMultiplier(rec.RawValue)
		if err != nil || !spec.Targets() {
			return ReasonInvalidValue
		}
		started := now
		st.Multiplier = ir.Multiplier{
			Factor:         spec.Factor,
			Duration:       spec.Duration,
			StartedAt:      &started,
			ApplyToPoints:  spec.ApplyToPoints,
			ApplyToSeconds: spec.ApplyToSeconds,
		}
		recordMultiplier(rec, st.Multiplier)

	case ir.CmdStopMultiplier:
		st.Multiplier = ir.NoMultiplier()

	case ir.CmdAddMoney, ir.CmdSubtractMoney:
		rec.Kind = ir.KindAdjustment
		if rec.CommandType == ir.CmdSubtractMoney {
			money = money.Neg()
		}
		rec.MoneyApplied = addMoney(st, money)

	case ir.CmdRefreshOverlays:
		// Recorded and notified only.

	default:
		return ReasonUnknownKind
	}
	return ReasonNone
}

// applyHypeTrain drives the hype train multiplier. Progress only raises
// the level; end clears a multiplier the train started and nothing else.
func (e *Engine) applyHypeTrain(st *ir.SubathonState, rec *ir.EventRecord, now time.Time) RejectReason {
	level := int(max(rec.UnitAmount, 1))

	switch strings.ToLower(strings.TrimSpace(rec.RawValue)) {
	case ir.HypeTrainStart:
		st.Multiplier = e.hypeMultiplier(level, now)
	case ir.HypeTrainProgress:
		if st.Multiplier.FromHypeTrain && level <= st.Multiplier.HypeTrainLevel {
			return ReasonNoChange
		}
		st.Multiplier = e.hypeMultiplier(level, now)
	case ir.HypeTrainEnd:
		if !st.Multiplier.FromHypeTrain {
			return ReasonNoChange
		}
		st.Multiplier = ir.NoMultiplier()
	default:
		return ReasonInvalidValue
	}

	recordMultiplier(rec, st.Multiplier)
	return ReasonNone
}

func (e *Engine) hypeMultiplier(level int, now time.Time) ir.Multiplier {
	started := now
	return ir.Multiplier{
		Factor:         e.hype.FactorAt(level),
		Duration:       e.hype.DurationValue(),
		StartedAt:      &started,
		ApplyToPoints:  e.hype.ApplyPoints,
		ApplyToSeconds: e.hype.ApplySeconds,
		FromHypeTrain:  true,
		HypeTrainLevel: level,
	}
}

func recordMultiplier(rec *ir.EventRecord, m ir.Multiplier) {
	rec.MultiplierFactor = m.Factor
	rec.MultiplierPoints = m.ApplyToPoints
	rec.MultiplierSeconds = m.ApplyToSeconds
}

// recordDuration parses a time command RawValue: a Go duration string as
// the interpreter writes it, or any form the interpreter accepts.
func recordDuration(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d, nil
	}
	return command.ParseDuration(raw)
}

func isMoneyCommand(t ir.CommandType) bool {
	return t == ir.CmdAddMoney || t == ir.CmdSubtractMoney
}

// addTime moves the budget by delta without letting remaining time go
// negative, and returns the delta actually applied.
func addTime(st *ir.SubathonState, delta int64) int64 {
	next := st.MillisecondsBudget + delta
	if floor := min(st.MillisecondsConsumed, st.MillisecondsBudget); next < floor {
		next = floor
	}
	applied := next - st.MillisecondsBudget
	st.MillisecondsBudget = next
	return applied
}

// addPoints moves the point total by delta, never below zero, and returns
// the delta actually applied.
func addPoints(st *ir.SubathonState, delta int64) int64 {
	next := max(st.Points+delta, 0)
	applied := next - st.Points
	st.Points = next
	return applied
}

// addMoney moves the money total by delta, never below zero, and returns
// the delta actually applied.
func addMoney(st *ir.SubathonState, delta decimal.Decimal) decimal.Decimal {
	next := st.MoneyTotal.Add(delta)
	if next.IsNegative() {
		next = decimal.Zero
	}
	applied := next.Sub(st.MoneyTotal)
	st.MoneyTotal = next
	return applied
}
