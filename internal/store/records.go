package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/subathon/internal/ir"
)

// ReadRecords returns a run's ledger in deterministic order:
// ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if the run has no records.
func (s *Store) ReadRecords(ctx context.Context, runID string) ([]ir.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM event_records
		WHERE run_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query event records: %w", err)
	}
	return scanRecords(rows)
}

// ReadRecord retrieves a single record, or ErrRecordNotFound.
func (s *Store) ReadRecord(ctx context.Context, id string) (ir.EventRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM event_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EventRecord{}, fmt.Errorf("read record %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return ir.EventRecord{}, fmt.Errorf("read record %s: %w", id, err)
	}
	return rec, nil
}

// SimulatedRecordIDs returns the IDs of a run's simulated records, newest first.
func (s *Store) SimulatedRecordIDs(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM event_records
		WHERE run_id = ? AND simulated = 1
		ORDER BY seq DESC, id COLLATE BINARY DESC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query simulated records: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan simulated record: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate simulated records: %w", err)
	}
	return ids, nil
}

// MaxSeq returns the highest ledger sequence number, 0 when empty.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM event_records`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq, nil
}
