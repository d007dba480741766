package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/subathon/internal/ir"
	"github.com/roach88/subathon/internal/store"
)

// Reverse undoes an applied record: the recorded time, points and money
// snapshot is subtracted from the run's current totals (clamped at zero)
// and the record is deleted, in one transaction. Nothing is recomputed
// from the current configuration. Flag and multiplier changes made by a
// command are not undone.
func (e *Engine) Reverse(ctx context.Context, id string) (ir.SubathonState, error) {
	found, err := e.store.ReadRecord(ctx, id)
	if errors.Is(err, store.ErrRecordNotFound) {
		return ir.SubathonState{}, fmt.Errorf("reverse %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return ir.SubathonState{}, readError("", id, err)
	}
	runID := found.RunID

	now := e.now()
	var (
		st  ir.SubathonState
		rec ir.EventRecord
	)
	unlock := e.locks.lock(runID)
	err = e.store.WithTx(context.WithoutCancel(ctx), func(tx *store.Tx) error {
		var err error
		if rec, err = tx.Record(id); err != nil {
			return err
		}
		if st, err = tx.State(runID); err != nil {
			return err
		}
		undo(&st, rec)
		st.UpdatedAt = now
		if err := tx.DeleteRecord(id); err != nil {
			return err
		}
		return tx.PutState(st)
	})
	unlock()

	if errors.Is(err, store.ErrRecordNotFound) {
		return ir.SubathonState{}, fmt.Errorf("reverse %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return ir.SubathonState{}, commitError(runID, id, err)
	}

	e.logger.Info("event reversed",
		"event", "event_reversed",
		"run", runID,
		"id", id,
		"kind", rec.Kind,
		"ms", -rec.MillisecondsApplied,
		"points", -rec.PointsApplied,
		"money", rec.MoneyApplied.Neg().String(),
	)
	e.notify.StateChanged(st, now)
	e.notify.EventReversed(rec)
	return st, nil
}

func undo(st *ir.SubathonState, rec ir.EventRecord) {
	addTime(st, -rec.MillisecondsApplied)
	addPoints(st, -rec.PointsApplied)
	addMoney(st, rec.MoneyApplied.Neg())
}

// BatchResult summarizes a bulk reversal.
type BatchResult struct {
	Reversed []string `json:"reversed"`
	Missing  []string `json:"missing"`

	// State is the run state after the last successful reversal.
	State ir.SubathonState `json:"state"`
}

// ReverseBatch reverses each id in order. Unknown ids are collected in
// Missing; the first persistence error stops the batch.
func (e *Engine) ReverseBatch(ctx context.Context, ids []string) (BatchResult, error) {
	res := BatchResult{Reversed: []string{}, Missing: []string{}}
	for _, id := range ids {
		st, err := e.Reverse(ctx, id)
		if errors.Is(err, ErrRecordNotFound) {
			res.Missing = append(res.Missing, id)
			continue
		}
		if err != nil {
			return res, err
		}
		res.Reversed = append(res.Reversed, id)
		res.State = st
	}
	return res, nil
}

// ReverseSimulated reverses every simulated record of a run, newest first.
func (e *Engine) ReverseSimulated(ctx context.Context, runID string) (BatchResult, error) {
	ids, err := e.store.SimulatedRecordIDs(ctx, runID)
	if err != nil {
		return BatchResult{}, readError(runID, "", err)
	}
	res, err := e.ReverseBatch(ctx, ids)
	if err != nil {
		return res, err
	}
	if len(res.Reversed) == 0 {
		st, err := e.store.ReadState(ctx, runID)
		if err != nil {
			if errors.Is(err, store.ErrRunNotFound) {
				return res, fmt.Errorf("reverse simulated %s: %w", runID, ErrRunNotFound)
			}
			return res, readError(runID, "", err)
		}
		res.State = st
	}
	return res, nil
}
