package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/subathon/internal/ir"
	"github.com/roach88/subathon/internal/store"
)

// Advance moves the run clock forward by elapsed. A paused run does not
// consume time. When a running clock reaches zero remaining the run locks
// itself; an operator Unlock without adding time is undone by the next tick.
// An expired multiplier is collapsed on the same commit.
func (e *Engine) Advance(ctx context.Context, runID string, elapsed time.Duration) (ir.SubathonState, error) {
	now := e.now()
	var (
		st      ir.SubathonState
		changed bool
		locked  bool
	)

	unlock := e.locks.lock(runID)
	err := e.store.WithTx(context.WithoutCancel(ctx), func(tx *store.Tx) error {
		var err error
		if st, err = tx.State(runID); err != nil {
			return err
		}
		if st.Multiplier.Expired(now) {
			st.Multiplier = ir.NoMultiplier()
			changed = true
		}
		if !st.IsPaused {
			remaining := max(st.MillisecondsBudget-st.MillisecondsConsumed, 0)
			if step := min(elapsed.Milliseconds(), remaining); step > 0 {
				st.MillisecondsConsumed += step
				changed = true
			}
			if st.Remaining() == 0 && !st.IsLocked {
				st.IsLocked = true
				changed, locked = true, true
			}
		}
		if !changed {
			return nil
		}
		st.UpdatedAt = now
		return tx.PutState(st)
	})
	unlock()

	if errors.Is(err, store.ErrRunNotFound) {
		return ir.SubathonState{}, fmt.Errorf("advance %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return ir.SubathonState{}, commitError(runID, "", err)
	}

	if locked {
		e.logger.Info("timer expired, run locked", "event", "timer_expired", "run", runID)
	}
	if changed {
		e.notify.StateChanged(st, now)
	}
	return st, nil
}
