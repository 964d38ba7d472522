package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/consisteso/enforcer/internal/domain"
)

// ExecutionRepo handles persistence for Execution records.
type ExecutionRepo struct{}

const executionColumns = `execution_id, rule_id, created_at, status, completed_at, duration_minutes, hour_of_day,
day_of_week, suspicion_score, completion_speed, debt_added, reminded, note`

// CreatePending inserts a PENDING execution. It returns false without error
// when the rule already has a pending execution.
func (r *ExecutionRepo) CreatePending(ctx context.Context, q DBTX, exec domain.Execution) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO executions (execution_id, rule_id, created_at, status, hour_of_day, day_of_week)
VALUES (?, ?, ?, 'PENDING', ?, ?)`
	res, err := q.ExecContext(ctx, stmt, exec.ID, exec.RuleID, exec.CreatedAt, exec.HourOfDay, exec.DayOfWeek)
	if err != nil {
		return false, fmt.Errorf("create pending execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// GetByID retrieves an execution by its ID.
func (r *ExecutionRepo) GetByID(ctx context.Context, q DBTX, executionID string) (*domain.Execution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`, executionID)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// Resolution carries the fields written when a pending execution reaches a terminal status.
type Resolution struct {
	Status          domain.ExecutionStatus
	CompletedAt     int64
	DurationMinutes int
	SuspicionScore  float64
	CompletionSpeed float64
	DebtAdded       int
	Note            string
}

// Resolve transitions a PENDING execution to a terminal status. It returns
// false when the execution is missing or already terminal: the first
// transition wins.
func (r *ExecutionRepo) Resolve(ctx context.Context, q DBTX, executionID string, res Resolution) (bool, error) {
	const stmt = `UPDATE executions SET
		status = ?,
		completed_at = ?,
		duration_minutes = ?,
		suspicion_score = ?,
		completion_speed = ?,
		debt_added = ?,
		note = ?
	WHERE execution_id = ? AND status = 'PENDING'`
	result, err := q.ExecContext(ctx, stmt,
		string(res.Status),
		res.CompletedAt,
		res.DurationMinutes,
		res.SuspicionScore,
		res.CompletionSpeed,
		res.DebtAdded,
		res.Note,
		executionID,
	)
	if err != nil {
		return false, fmt.Errorf("resolve execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// SetDebtAdded records the debt minutes charged for a missed execution.
func (r *ExecutionRepo) SetDebtAdded(ctx context.Context, q DBTX, executionID string, minutes int) error {
	res, err := q.ExecContext(ctx, `UPDATE executions SET debt_added = ? WHERE execution_id = ?`, minutes, executionID)
	if err != nil {
		return fmt.Errorf("set debt added: %w", err)
	}
	return requireRow(res, domain.ErrExecutionNotFound)
}

// MarkReminded flags a pending execution as having received its imminent
// signal. It returns false when already flagged or no longer pending.
func (r *ExecutionRepo) MarkReminded(ctx context.Context, q DBTX, executionID string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE executions SET reminded = 1 WHERE execution_id = ? AND status = 'PENDING' AND reminded = 0`, executionID)
	if err != nil {
		return false, fmt.Errorf("mark reminded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// ListPending returns all PENDING executions, oldest first.
func (r *ExecutionRepo) ListPending(ctx context.Context, q DBTX) ([]domain.Execution, error) {
	return r.list(ctx, q, `SELECT `+executionColumns+` FROM executions WHERE status = 'PENDING' ORDER BY created_at ASC, execution_id ASC`)
}

// ListInRange returns executions created in [from, to), oldest first.
func (r *ExecutionRepo) ListInRange(ctx context.Context, q DBTX, from, to int64) ([]domain.Execution, error) {
	return r.list(ctx, q,
		`SELECT `+executionColumns+` FROM executions WHERE created_at >= ? AND created_at < ? ORDER BY created_at ASC, execution_id ASC`,
		from, to)
}

// Recent returns the newest executions, newest first.
func (r *ExecutionRepo) Recent(ctx context.Context, q DBTX, limit int) ([]domain.Execution, error) {
	return r.list(ctx, q,
		`SELECT `+executionColumns+` FROM executions ORDER BY created_at DESC, execution_id DESC LIMIT ?`, limit)
}

// RecentUserResolved returns the latest executions the user marked done
// (COMPLETED or CHEATED), most recently resolved first.
func (r *ExecutionRepo) RecentUserResolved(ctx context.Context, q DBTX, limit int) ([]domain.Execution, error) {
	return r.list(ctx, q,
		`SELECT `+executionColumns+` FROM executions WHERE status IN ('COMPLETED', 'CHEATED')
		ORDER BY completed_at DESC, created_at DESC, execution_id DESC LIMIT ?`, limit)
}

// HasStatusInRange reports whether the rule has an execution in one of the
// given statuses created in [from, to).
func (r *ExecutionRepo) HasStatusInRange(ctx context.Context, q DBTX, ruleID string, from, to int64, statuses ...domain.ExecutionStatus) (bool, error) {
	if len(statuses) == 0 {
		return false, nil
	}
	args := []any{ruleID, from, to}
	placeholders := make([]string, 0, len(statuses))
	for _, st := range statuses {
		placeholders = append(placeholders, "?")
		args = append(args, string(st))
	}
	query := `SELECT COUNT(*) FROM executions WHERE rule_id = ? AND created_at >= ? AND created_at < ? AND status IN (` +
		strings.Join(placeholders, ", ") + `)`

	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("count executions by status: %w", err)
	}
	return n > 0, nil
}

// ExistsInRange reports whether the rule has any execution created in [from, to].
func (r *ExecutionRepo) ExistsInRange(ctx context.Context, q DBTX, ruleID string, from, to int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE rule_id = ? AND created_at >= ? AND created_at <= ?`,
		ruleID, from, to).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count executions: %w", err)
	}
	return n > 0, nil
}

// TopFailureHours aggregates MISSED executions by hour of day, most frequent first.
func (r *ExecutionRepo) TopFailureHours(ctx context.Context, q DBTX, limit int) ([]domain.BucketCount, error) {
	return r.buckets(ctx, q, `SELECT hour_of_day, COUNT(*) AS c FROM executions WHERE status = 'MISSED'
		GROUP BY hour_of_day ORDER BY c DESC, hour_of_day ASC LIMIT ?`, limit)
}

// TopFailureDays aggregates MISSED executions by ISO weekday, most frequent first.
func (r *ExecutionRepo) TopFailureDays(ctx context.Context, q DBTX, limit int) ([]domain.BucketCount, error) {
	return r.buckets(ctx, q, `SELECT day_of_week, COUNT(*) AS c FROM executions WHERE status = 'MISSED'
		GROUP BY day_of_week ORDER BY c DESC, day_of_week ASC LIMIT ?`, limit)
}

func (r *ExecutionRepo) buckets(ctx context.Context, q DBTX, query string, limit int) ([]domain.BucketCount, error) {
	rows, err := q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("aggregate failures: %w", err)
	}
	defer rows.Close()

	var out []domain.BucketCount
	for rows.Next() {
		var b domain.BucketCount
		if err := rows.Scan(&b.Bucket, &b.Count); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) list(ctx context.Context, q DBTX, query string, args ...any) ([]domain.Execution, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func scanExecution(s scanner) (*domain.Execution, error) {
	var e domain.Execution
	var status string
	err := s.Scan(&e.ID, &e.RuleID, &e.CreatedAt, &status, &e.CompletedAt, &e.DurationMinutes, &e.HourOfDay,
		&e.DayOfWeek, &e.SuspicionScore, &e.CompletionSpeed, &e.DebtAdded, &e.Reminded, &e.Note)
	if err != nil {
		return nil, err
	}
	e.Status = domain.ExecutionStatus(status)
	return &e, nil
}
