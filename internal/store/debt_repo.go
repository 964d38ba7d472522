package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/consisteso/enforcer/internal/domain"
)

// DebtRepo handles persistence for the TimeDebt singleton and its transaction log.
type DebtRepo struct{}

// GetHead loads the ledger head row.
func (r *DebtRepo) GetHead(ctx context.Context, q DBTX) (*domain.TimeDebt, error) {
	const stmt = `SELECT active_debt_minutes, total_debt_minutes, cleared_debt_minutes, peak_debt_minutes,
current_multiplier, max_multiplier, last_cleared_at, updated_at, state_version
FROM time_debt WHERE id = 1`

	var d domain.TimeDebt
	err := q.QueryRowContext(ctx, stmt).Scan(&d.ActiveDebtMinutes, &d.TotalDebtMinutes, &d.ClearedDebtMinutes,
		&d.PeakDebtMinutes, &d.CurrentMultiplier, &d.MaxMultiplier, &d.LastClearedAt, &d.UpdatedAt, &d.StateVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrStateMissing
		}
		return nil, fmt.Errorf("get debt head: %w", err)
	}
	return &d, nil
}

// UpdateHead writes the ledger head using optimistic locking.
// The update only succeeds if the stored state_version matches d.StateVersion.
func (r *DebtRepo) UpdateHead(ctx context.Context, q DBTX, d domain.TimeDebt) error {
	const stmt = `UPDATE time_debt SET
		active_debt_minutes = ?,
		total_debt_minutes = ?,
		cleared_debt_minutes = ?,
		peak_debt_minutes = ?,
		current_multiplier = ?,
		max_multiplier = ?,
		last_cleared_at = ?,
		updated_at = ?,
		state_version = state_version + 1
	WHERE id = 1 AND state_version = ?`

	res, err := q.ExecContext(ctx, stmt,
		d.ActiveDebtMinutes,
		d.TotalDebtMinutes,
		d.ClearedDebtMinutes,
		d.PeakDebtMinutes,
		d.CurrentMultiplier,
		d.MaxMultiplier,
		d.LastClearedAt,
		d.UpdatedAt,
		d.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update debt head: %w", err)
	}
	return requireRow(res, domain.ErrOptimisticLock)
}

// Append inserts a ledger transaction and returns its ID.
func (r *DebtRepo) Append(ctx context.Context, q DBTX, t domain.DebtTransaction) (int64, error) {
	const stmt = `INSERT INTO debt_transactions (created_at, kind, amount_minutes, multiplier, reason, rule_id, execution_id, balance_before, balance_after)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, stmt,
		t.CreatedAt,
		string(t.Kind),
		t.AmountMinutes,
		t.Multiplier,
		t.Reason,
		t.RuleID,
		t.ExecutionID,
		t.BalanceBefore,
		t.BalanceAfter,
	)
	if err != nil {
		return 0, fmt.Errorf("append debt transaction: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns the newest ledger transactions, newest first.
func (r *DebtRepo) Recent(ctx context.Context, q DBTX, limit int) ([]domain.DebtTransaction, error) {
	const stmt = `SELECT id, created_at, kind, amount_minutes, multiplier, reason, rule_id, execution_id, balance_before, balance_after
FROM debt_transactions ORDER BY id DESC LIMIT ?`

	rows, err := q.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, fmt.Errorf("list debt transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.DebtTransaction
	for rows.Next() {
		var t domain.DebtTransaction
		var kind string
		if err := rows.Scan(&t.ID, &t.CreatedAt, &kind, &t.AmountMinutes, &t.Multiplier, &t.Reason,
			&t.RuleID, &t.ExecutionID, &t.BalanceBefore, &t.BalanceAfter); err != nil {
			return nil, fmt.Errorf("scan debt transaction: %w", err)
		}
		t.Kind = domain.DebtTxKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumSince totals the amount of transactions of the given kind created at or after since.
func (r *DebtRepo) SumSince(ctx context.Context, q DBTX, kind domain.DebtTxKind, since int64) (int, error) {
	var total int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_minutes), 0) FROM debt_transactions WHERE kind = ? AND created_at >= ?`,
		string(kind), since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum debt transactions: %w", err)
	}
	return total, nil
}
