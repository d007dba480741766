package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/subathon/internal/ir"
)

// CreateRun inserts st as the active run, deactivating any previous one in
// the same transaction.
func (s *Store) CreateRun(ctx context.Context, st ir.SubathonState) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `UPDATE subathon_state SET active = 0 WHERE active = 1`); err != nil {
			return fmt.Errorf("create run: deactivate previous: %w", err)
		}

		duration, startedAt := multiplierColumns(st.Multiplier)
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO subathon_state (`+stateColumns+`)
			VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			st.ID, st.IsPaused, st.IsLocked, st.IsReversed,
			st.MillisecondsBudget, st.MillisecondsConsumed, st.MillisecondsInitial, st.Points, st.CurrencyCode, marshalMoney(st.MoneyTotal),
			st.Multiplier.Factor, duration, startedAt, st.Multiplier.ApplyToPoints, st.Multiplier.ApplyToSeconds,
			st.Multiplier.FromHypeTrain, st.Multiplier.HypeTrainLevel, toMillis(st.CreatedAt), toMillis(st.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("create run %s: %w", st.ID, err)
		}
		return nil
	})
}

// ActiveRunID returns the ID of the active run, or ErrNoActiveRun.
func (s *Store) ActiveRunID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM subathon_state WHERE active = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoActiveRun
	}
	if err != nil {
		return "", fmt.Errorf("query active run: %w", err)
	}
	return id, nil
}

// ReadState returns a run's state, or ErrRunNotFound.
func (s *Store) ReadState(ctx context.Context, runID string) (ir.SubathonState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM subathon_state WHERE id = ?`, runID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SubathonState{}, fmt.Errorf("read state %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return ir.SubathonState{}, fmt.Errorf("read state %s: %w", runID, err)
	}
	return st, nil
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]ir.SubathonState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stateColumns+` FROM subathon_state
		ORDER BY created_at DESC, id COLLATE BINARY DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []ir.SubathonState{}
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
