package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/subathon/internal/ir"
	"github.com/roach88/subathon/internal/store"
)

// # Replay and Idempotency
//
// Idempotency is structural: redelivery and first delivery take the same
// path through Process.
//
//  1. The record ID is the primary key of event_records. The idempotency
//     gate finds an applied record and reports a duplicate.
//  2. State update and record insert commit in one transaction, so a crash
//     leaves either both or neither. Redelivery after a failed commit
//     applies the record once.
//  3. Each record stores the exact deltas that were folded into state.
//     Reversal subtracts the snapshot and never re-prices the event.
//
// Because of (3), the ledger of a run sums to its totals. Audit checks that.

// AuditReport compares a run's totals with the sum of its ledger.
type AuditReport struct {
	RunID   string `json:"run_id"`
	Records int    `json:"records"`

	ExpectedBudget int64 `json:"expected_budget_ms"`
	ActualBudget   int64 `json:"actual_budget_ms"`

	ExpectedPoints int64 `json:"expected_points"`
	ActualPoints   int64 `json:"actual_points"`

	ExpectedMoney decimal.Decimal `json:"expected_money"`
	ActualMoney   decimal.Decimal `json:"actual_money"`

	// Drift lists the totals that disagree, empty when consistent.
	Drift []string `json:"drift"`
}

// OK reports whether the ledger and the totals agree.
func (r AuditReport) OK() bool {
	return len(r.Drift) == 0
}

// Audit recomputes a run's totals from its event records. Drift appears
// when a reversal had to clamp at zero, or when the database was edited
// by hand.
func (e *Engine) Audit(ctx context.Context, runID string) (AuditReport, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	st, err := e.store.ReadState(ctx, runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return AuditReport{}, fmt.Errorf("audit %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return AuditReport{}, readError(runID, "", err)
	}
	recs, err := e.store.ReadRecords(ctx, runID)
	if err != nil {
		return AuditReport{}, readError(runID, "", err)
	}

	r := summarize(st, recs)
	if !r.OK() {
		e.logger.Warn("ledger drift detected",
			"event", "audit_drift",
			"run", runID,
			"drift", r.Drift,
		)
	}
	return r, nil
}

func summarize(st ir.SubathonState, recs []ir.EventRecord) AuditReport {
	r := AuditReport{
		RunID:          st.ID,
		Records:        len(recs),
		ExpectedBudget: st.MillisecondsInitial,
		ActualBudget:   st.MillisecondsBudget,
		ActualPoints:   st.Points,
		ExpectedMoney:  decimal.Zero,
		ActualMoney:    st.MoneyTotal,
		Drift:          []string{},
	}
	for _, rec := range recs {
		r.ExpectedBudget += rec.MillisecondsApplied
		r.ExpectedPoints += rec.PointsApplied
		r.ExpectedMoney = r.ExpectedMoney.Add(rec.MoneyApplied)
	}

	if r.ExpectedBudget != r.ActualBudget {
		r.Drift = append(r.Drift, "budget")
	}
	if r.ExpectedPoints != r.ActualPoints {
		r.Drift = append(r.Drift, "points")
	}
	if !r.ExpectedMoney.Equal(r.ActualMoney) {
		r.Drift = append(r.Drift, "money")
	}
	return r
}
