package engine

import (
	"errors"
	"fmt"
)

// PersistenceError reports a store failure while applying, reversing, or
// ticking a run. It is the only hard error Process returns; rejections and
// duplicates are Outcome values.
//
// A failed commit leaves no trace in the store, so the caller may redeliver
// the same record later.
type PersistenceError struct {
	// Code identifies the failed operation.
	Code PersistenceErrorCode

	// RunID identifies the affected run.
	RunID string

	// RecordID identifies the record being applied or reversed, if any.
	RecordID string

	// Err is the underlying store error.
	Err error
}

// PersistenceErrorCode categorizes persistence errors.
type PersistenceErrorCode string

const (
	// ErrCodeRead indicates reading state or records failed.
	ErrCodeRead PersistenceErrorCode = "READ_FAILED"

	// ErrCodeCommit indicates the state/record transaction failed.
	ErrCodeCommit PersistenceErrorCode = "COMMIT_FAILED"
)

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s: run=%s record=%s: %v", e.Code, e.RunID, e.RecordID, e.Err)
	}
	return fmt.Sprintf("%s: run=%s: %v", e.Code, e.RunID, e.Err)
}

// Unwrap returns the underlying store error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError returns true if err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func readError(runID, recordID string, err error) *PersistenceError {
	return &PersistenceError{Code: ErrCodeRead, RunID: runID, RecordID: recordID, Err: err}
}

func commitError(runID, recordID string, err error) *PersistenceError {
	return &PersistenceError{Code: ErrCodeCommit, RunID: runID, RecordID: recordID, Err: err}
}
