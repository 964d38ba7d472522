package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/consisteso/enforcer/internal/domain"
)

// PatternRepo handles persistence for BehaviorPattern records. There is at
// most one row per pattern kind.
type PatternRepo struct{}

// Upsert inserts a pattern or replaces the existing row of the same kind.
// detected_at of an existing row is preserved.
func (r *PatternRepo) Upsert(ctx context.Context, q DBTX, p domain.BehaviorPattern) error {
	return r.upsert(ctx, q, p, "excluded.occurrence_count")
}

// RecordOccurrence is Upsert with the occurrence count added to the stored one.
func (r *PatternRepo) RecordOccurrence(ctx context.Context, q DBTX, p domain.BehaviorPattern) error {
	return r.upsert(ctx, q, p, "behavior_patterns.occurrence_count + excluded.occurrence_count")
}

func (r *PatternRepo) upsert(ctx context.Context, q DBTX, p domain.BehaviorPattern, countExpr string) error {
	hours, err := encodeJSON(nonNil(p.FailureHours))
	if err != nil {
		return fmt.Errorf("marshal failure_hours: %w", err)
	}
	days, err := encodeJSON(nonNil(p.FailureDays))
	if err != nil {
		return fmt.Errorf("marshal failure_days: %w", err)
	}

	stmt := `INSERT INTO behavior_patterns (kind, description, failure_hours, failure_days, occurrence_count, confidence, detected_at, last_occurrence)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(kind) DO UPDATE SET
	description = excluded.description,
	failure_hours = excluded.failure_hours,
	failure_days = excluded.failure_days,
	occurrence_count = ` + countExpr + `,
	confidence = excluded.confidence,
	last_occurrence = excluded.last_occurrence`
	_, err = q.ExecContext(ctx, stmt,
		string(p.Kind),
		p.Description,
		hours,
		days,
		p.OccurrenceCount,
		p.Confidence,
		p.DetectedAt,
		p.LastOccurrence,
	)
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	return nil
}

// List returns all patterns ordered by confidence, highest first.
func (r *PatternRepo) List(ctx context.Context, q DBTX) ([]domain.BehaviorPattern, error) {
	const stmt = `SELECT id, kind, description, failure_hours, failure_days, occurrence_count, confidence, detected_at, last_occurrence
FROM behavior_patterns ORDER BY confidence DESC, kind ASC`

	rows, err := q.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []domain.BehaviorPattern
	for rows.Next() {
		var p domain.BehaviorPattern
		var kind, hours, days string
		if err := rows.Scan(&p.ID, &kind, &p.Description, &hours, &days, &p.OccurrenceCount,
			&p.Confidence, &p.DetectedAt, &p.LastOccurrence); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Kind = domain.PatternKind(kind)
		if err := json.Unmarshal([]byte(hours), &p.FailureHours); err != nil {
			return nil, fmt.Errorf("unmarshal failure_hours: %w", err)
		}
		if err := json.Unmarshal([]byte(days), &p.FailureDays); err != nil {
			return nil, fmt.Errorf("unmarshal failure_days: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneBelow deletes patterns whose confidence is under threshold and returns
// how many were removed.
func (r *PatternRepo) PruneBelow(ctx context.Context, q DBTX, threshold float64) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM behavior_patterns WHERE confidence < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune patterns: %w", err)
	}
	return res.RowsAffected()
}
