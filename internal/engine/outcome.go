package engine

import "github.com/roach88/subathon/internal/ir"

// RejectReason explains why a record was not applied.
type RejectReason string

const (
	ReasonNone                RejectReason = ""
	ReasonLocked              RejectReason = "locked"
	ReasonDuplicateID         RejectReason = "duplicate_id"
	ReasonDuplicateEngagement RejectReason = "duplicate_engagement"
	ReasonNoValue             RejectReason = "no_value"
	ReasonConversion          RejectReason = "conversion_failed"
	ReasonUnknownKind         RejectReason = "unknown_kind"
	ReasonInvalidValue        RejectReason = "invalid_value"
	ReasonNoChange            RejectReason = "no_change"
	ReasonNoActiveRun         RejectReason = "no_active_run"
	ReasonRunNotFound         RejectReason = "run_not_found"
)

// Outcome is the result of Process. Applied and Duplicate are never both
// true; neither set means the record was rejected for Reason.
type Outcome struct {
	Applied   bool         `json:"applied"`
	Duplicate bool         `json:"duplicate"`
	Reason    RejectReason `json:"reason,omitempty"`

	// Record is the record as persisted when applied, otherwise as received
	// with the engine-assigned ID and run.
	Record ir.EventRecord `json:"record"`

	// State is the run state after the commit. Zero unless Applied.
	State ir.SubathonState `json:"state"`
}

// Rejected reports whether the record was neither applied nor a duplicate.
func (o Outcome) Rejected() bool {
	return !o.Applied && !o.Duplicate
}

func rejected(rec ir.EventRecord, reason RejectReason) Outcome {
	return Outcome{Reason: reason, Record: rec}
}

func duplicate(rec ir.EventRecord, reason RejectReason) Outcome {
	return Outcome{Duplicate: true, Reason: reason, Record: rec}
}
