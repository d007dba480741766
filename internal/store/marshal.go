package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/subathon/internal/ir"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func marshalMoney(d decimal.Decimal) string {
	return d.String()
}

func unmarshalMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unmarshal money %q: %w", s, err)
	}
	return d, nil
}

// multiplierColumns flattens a multiplier into its nullable columns.
func multiplierColumns(m ir.Multiplier) (duration, startedAt sql.NullInt64) {
	if m.Duration != nil {
		duration = sql.NullInt64{Int64: m.Duration.Milliseconds(), Valid: true}
	}
	if m.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: toMillis(*m.StartedAt), Valid: true}
	}
	return duration, startedAt
}

func multiplierFromColumns(m *ir.Multiplier, duration, startedAt sql.NullInt64) {
	if duration.Valid {
		d := time.Duration(duration.Int64) * time.Millisecond
		m.Duration = &d
	}
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		m.StartedAt = &t
	}
}

const stateColumns = `id, active, is_paused, is_locked, is_reversed,
	ms_budget, ms_consumed, ms_initial, points, currency_code, money_total,
	mult_factor, mult_duration_ms, mult_started_at, mult_points, mult_seconds,
	mult_hype_train, mult_hype_level, created_at, updated_at`

func scanState(row scanner) (ir.SubathonState, error) {
	var (
		st                  ir.SubathonState
		money               string
		duration, startedAt sql.NullInt64
		createdAt, updated  int64
	)
	err := row.Scan(
		&st.ID, &st.Active, &st.IsPaused, &st.IsLocked, &st.IsReversed,
		&st.MillisecondsBudget, &st.MillisecondsConsumed, &st.MillisecondsInitial, &st.Points, &st.CurrencyCode, &money,
		&st.Multiplier.Factor, &duration, &startedAt, &st.Multiplier.ApplyToPoints, &st.Multiplier.ApplyToSeconds,
		&st.Multiplier.FromHypeTrain, &st.Multiplier.HypeTrainLevel, &createdAt, &updated,
	)
	if err != nil {
		return ir.SubathonState{}, err
	}

	if st.MoneyTotal, err = unmarshalMoney(money); err != nil {
		return ir.SubathonState{}, err
	}
	multiplierFromColumns(&st.Multiplier, duration, startedAt)
	st.CreatedAt = fromMillis(createdAt)
	st.UpdatedAt = fromMillis(updated)
	return st, nil
}

const recordColumns = `id, run_id, seq, kind, command_type, source, user_name,
	raw_value, currency_code, unit_amount, ms_applied, points_applied, money_applied,
	was_reversed, multiplier_factor, multiplier_points, multiplier_seconds,
	applied_to_state, simulated, engagement_key, occurred_at, applied_at`

func scanRecord(row scanner) (ir.EventRecord, error) {
	var (
		rec                   ir.EventRecord
		kind, cmdType, money  string
		occurredAt, appliedAt int64
	)
	err := row.Scan(
		&rec.ID, &rec.RunID, &rec.Seq, &kind, &cmdType, &rec.Source, &rec.User,
		&rec.RawValue, &rec.CurrencyCode, &rec.UnitAmount, &rec.MillisecondsApplied, &rec.PointsApplied, &money,
		&rec.WasReversed, &rec.MultiplierFactor, &rec.MultiplierPoints, &rec.MultiplierSeconds,
		&rec.AppliedToState, &rec.Simulated, &rec.EngagementKey, &occurredAt, &appliedAt,
	)
	if err != nil {
		return ir.EventRecord{}, err
	}

	rec.Kind = ir.EventKind(kind)
	rec.CommandType = ir.CommandType(cmdType)
	if rec.MoneyApplied, err = unmarshalMoney(money); err != nil {
		return ir.EventRecord{}, err
	}
	rec.OccurredAt = fromMillis(occurredAt)
	rec.AppliedAt = fromMillis(appliedAt)
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]ir.EventRecord, error) {
	defer rows.Close()

	records := []ir.EventRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event records: %w", err)
	}
	return records, nil
}
