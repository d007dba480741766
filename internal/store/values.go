package store

import (
	"context"
	"fmt"

	"github.com/roach88/subathon/internal/ir"
	"github.com/roach88/subathon/internal/values"
)

// LoadValues returns the persisted Value Table rows ordered by kind, tier.
func (s *Store) LoadValues(ctx context.Context) ([]values.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, tier, seconds_per_unit, points_per_unit
		FROM value_table
		ORDER BY kind COLLATE BINARY ASC, tier COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query value table: %w", err)
	}
	defer rows.Close()

	out := []values.Row{}
	for rows.Next() {
		var (
			kind string
			row  values.Row
		)
		if err := rows.Scan(&kind, &row.Tier, &row.SecondsPerUnit, &row.PointsPerUnit); err != nil {
			return nil, fmt.Errorf("scan value row: %w", err)
		}
		row.Kind = ir.EventKind(kind)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate value table: %w", err)
	}
	return out, nil
}

// SaveValues replaces the persisted Value Table with rows.
func (s *Store) SaveValues(ctx context.Context, rows []values.Row) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM value_table`); err != nil {
			return fmt.Errorf("save values: clear: %w", err)
		}
		for _, r := range rows {
			_, err := tx.tx.ExecContext(ctx, `
				INSERT INTO value_table (kind, tier, seconds_per_unit, points_per_unit)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(kind, tier) DO UPDATE SET
					seconds_per_unit = excluded.seconds_per_unit,
					points_per_unit = excluded.points_per_unit
			`, string(r.Kind), r.Tier, r.SecondsPerUnit, r.PointsPerUnit)
			if err != nil {
				return fmt.Errorf("save values: insert %s/%s: %w", r.Kind, r.Tier, err)
			}
		}
		return nil
	})
}
