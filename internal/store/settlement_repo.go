package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/consisteso/enforcer/internal/domain"
)

// SettlementRepo handles persistence for DaySettlement records.
type SettlementRepo struct{}

const settlementColumns = `day, perfect, execution_count, perfect_streak, skip_token_minted, snapshot_json, checksum, settled_at`

// Save inserts the settlement record for a day. It returns false when the day
// was already settled.
func (r *SettlementRepo) Save(ctx context.Context, q DBTX, s domain.DaySettlement) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO settled_days (` + settlementColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, stmt,
		s.Day,
		s.Perfect,
		s.ExecutionCount,
		s.PerfectStreak,
		s.SkipTokenMinted,
		s.SnapshotJSON,
		s.Checksum,
		s.SettledAt,
	)
	if err != nil {
		return false, fmt.Errorf("save settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// Get returns the settlement for a day, or nil if the day is unsettled.
func (r *SettlementRepo) Get(ctx context.Context, q DBTX, day string) (*domain.DaySettlement, error) {
	row := q.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settled_days WHERE day = ?`, day)
	s, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return s, nil
}

// ListRecent returns the latest settlements, newest day first.
func (r *SettlementRepo) ListRecent(ctx context.Context, q DBTX, limit int) ([]domain.DaySettlement, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+settlementColumns+` FROM settled_days ORDER BY day DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.DaySettlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSettlement(s scanner) (*domain.DaySettlement, error) {
	var d domain.DaySettlement
	err := s.Scan(&d.Day, &d.Perfect, &d.ExecutionCount, &d.PerfectStreak, &d.SkipTokenMinted,
		&d.SnapshotJSON, &d.Checksum, &d.SettledAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
