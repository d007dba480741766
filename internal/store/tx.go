package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/subathon/internal/ir"
)

// Tx is a store transaction handed to WithTx callbacks.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// State reads a run's state.
func (t *Tx) State(runID string) (ir.SubathonState, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+stateColumns+` FROM subathon_state WHERE id = ?`, runID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SubathonState{}, fmt.Errorf("read state %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return ir.SubathonState{}, fmt.Errorf("read state %s: %w", runID, err)
	}
	return st, nil
}

// PutState writes every mutable column of an existing run.
func (t *Tx) PutState(st ir.SubathonState) error {
	duration, startedAt := multiplierColumns(st.Multiplier)
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE subathon_state SET
			is_paused = ?, is_locked = ?, is_reversed = ?,
			ms_budget = ?, ms_consumed = ?, points = ?, money_total = ?,
			mult_factor = ?, mult_duration_ms = ?, mult_started_at = ?,
			mult_points = ?, mult_seconds = ?, mult_hype_train = ?, mult_hype_level = ?,
			updated_at = ?
		WHERE id = ?
	`,
		st.IsPaused, st.IsLocked, st.IsReversed,
		st.MillisecondsBudget, st.MillisecondsConsumed, st.Points, marshalMoney(st.MoneyTotal),
		st.Multiplier.Factor, duration, startedAt,
		st.Multiplier.ApplyToPoints, st.Multiplier.ApplyToSeconds, st.Multiplier.FromHypeTrain, st.Multiplier.HypeTrainLevel,
		toMillis(st.UpdatedAt),
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("write state %s: %w", st.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write state %s: rows affected: %w", st.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("write state %s: %w", st.ID, ErrRunNotFound)
	}
	return nil
}

// HasRecord reports whether a record with id has been applied.
func (t *Tx) HasRecord(id string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx, `SELECT 1 FROM event_records WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check record %s: %w", id, err)
	}
	return true, nil
}

// EngagementSeen reports whether a record with the engagement key was applied
// to runID at or after since.
func (t *Tx) EngagementSeen(runID, key string, since time.Time) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT 1 FROM event_records
		WHERE run_id = ? AND engagement_key = ? AND applied_at >= ?
		LIMIT 1
	`, runID, key, toMillis(since)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check engagement: %w", err)
	}
	return true, nil
}

// NextSeq returns the next ledger sequence number.
func (t *Tx) NextSeq() (int64, error) {
	var seq int64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM event_records`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

// InsertRecord appends a record to the ledger.
// Uses ON CONFLICT(id) DO NOTHING; inserted is false when the ID already exists.
func (t *Tx) InsertRecord(rec ir.EventRecord) (inserted bool, err error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO event_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID, rec.RunID, rec.Seq, string(rec.Kind), string(rec.CommandType), rec.Source, rec.User,
		rec.RawValue, rec.CurrencyCode, rec.UnitAmount, rec.MillisecondsApplied, rec.PointsApplied, marshalMoney(rec.MoneyApplied),
		rec.WasReversed, rec.MultiplierFactor, rec.MultiplierPoints, rec.MultiplierSeconds,
		rec.AppliedToState, rec.Simulated, rec.EngagementKey, toMillis(rec.OccurredAt), toMillis(rec.AppliedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert record %s: rows affected: %w", rec.ID, err)
	}
	return n > 0, nil
}

// Record reads one record.
func (t *Tx) Record(id string) (ir.EventRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+recordColumns+` FROM event_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EventRecord{}, fmt.Errorf("read record %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return ir.EventRecord{}, fmt.Errorf("read record %s: %w", id, err)
	}
	return rec, nil
}

// DeleteRecord removes a record from the ledger.
func (t *Tx) DeleteRecord(id string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM event_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete record %s: %w", id, ErrRecordNotFound)
	}
	return nil
}
