package store

import (
	"context"
	"fmt"

	"github.com/consisteso/enforcer/internal/domain"
)

// AuditRepo handles persistence for AuditRecord entries.
type AuditRepo struct{}

// Record inserts an audit record.
func (r *AuditRepo) Record(ctx context.Context, q DBTX, rec domain.AuditRecord) error {
	const stmt = `INSERT INTO audit_records (id, category, actor, action, subject, detail, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt,
		rec.ID,
		rec.Category,
		rec.Actor,
		rec.Action,
		rec.Subject,
		rec.Detail,
		rec.Severity,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListByCategory returns audit records of a category, ordered by creation time.
func (r *AuditRepo) ListByCategory(ctx context.Context, q DBTX, category string) ([]domain.AuditRecord, error) {
	const stmt = `SELECT id, category, actor, action, subject, detail, severity, created_at
FROM audit_records
WHERE category = ?
ORDER BY created_at ASC, id ASC`

	rows, err := q.QueryContext(ctx, stmt, category)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.Category, &a.Actor, &a.Action,
			&a.Subject, &a.Detail, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, a)
	}
	return records, rows.Err()
}
