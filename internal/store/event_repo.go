package store

import (
	"context"
	"fmt"

	"github.com/consisteso/enforcer/internal/domain"
)

// EventRepo handles persistence for notification Event records.
type EventRepo struct{}

// Append inserts an event and returns its sequence number.
func (r *EventRepo) Append(ctx context.Context, q DBTX, event domain.Event) (int64, error) {
	const stmt = `INSERT INTO events (kind, payload_json, created_at) VALUES (?, ?, ?)`
	res, err := q.ExecContext(ctx, stmt, string(event.Kind), event.PayloadJSON, event.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return res.LastInsertId()
}

// ListSince returns events with sequence numbers greater than sinceSeq,
// ordered by sequence number ascending.
func (r *EventRepo) ListSince(ctx context.Context, q DBTX, sinceSeq int64, limit int) ([]domain.Event, error) {
	const stmt = `SELECT seq, kind, payload_json, created_at
FROM events
WHERE seq > ?
ORDER BY seq ASC
LIMIT ?`

	rows, err := q.QueryContext(ctx, stmt, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var kind string
		if err := rows.Scan(&e.Seq, &kind, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = domain.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest sequence number, or 0 when empty.
func (r *EventRepo) LatestSeq(ctx context.Context, q DBTX) (int64, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest event seq: %w", err)
	}
	return seq, nil
}
