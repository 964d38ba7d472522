package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/consisteso/enforcer/internal/domain"
)

// RewardRepo handles persistence for the reward catalog and skip tokens.
type RewardRepo struct{}

const rewardColumns = `reward_type, name, description, requires_perfect_days, requires_debt_free,
requires_streak_length, unlocked, unlocked_at, times_used, last_used_at`

// List returns the reward catalog in a stable order.
func (r *RewardRepo) List(ctx context.Context, q DBTX) ([]domain.Reward, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+rewardColumns+` FROM rewards ORDER BY reward_type ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()

	var out []domain.Reward
	for rows.Next() {
		rw, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		out = append(out, *rw)
	}
	return out, rows.Err()
}

// Get returns a single catalog entry, or nil if the type is not seeded.
func (r *RewardRepo) Get(ctx context.Context, q DBTX, t domain.RewardType) (*domain.Reward, error) {
	row := q.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE reward_type = ?`, string(t))
	rw, err := scanReward(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reward: %w", err)
	}
	return rw, nil
}

// SetUnlocked flips the binary unlock flag. unlocked_at is stamped only on a
// locked-to-unlocked transition.
func (r *RewardRepo) SetUnlocked(ctx context.Context, q DBTX, t domain.RewardType, unlocked bool, now int64) error {
	stmt := `UPDATE rewards SET unlocked = 0, unlocked_at = 0 WHERE reward_type = ?`
	args := []any{string(t)}
	if unlocked {
		stmt = `UPDATE rewards SET unlocked = 1, unlocked_at = CASE WHEN unlocked = 0 THEN ? ELSE unlocked_at END
		WHERE reward_type = ?`
		args = []any{now, string(t)}
	}
	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("set reward unlocked: %w", err)
	}
	return nil
}

// RecordUse increments the usage counter of a reward.
func (r *RewardRepo) RecordUse(ctx context.Context, q DBTX, t domain.RewardType, now int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE rewards SET times_used = times_used + 1, last_used_at = ? WHERE reward_type = ?`, now, string(t))
	if err != nil {
		return fmt.Errorf("record reward use: %w", err)
	}
	return requireRow(res, fmt.Errorf("reward %s not seeded", t))
}

// MintToken inserts an unused skip token and returns its ID.
func (r *RewardRepo) MintToken(ctx context.Context, q DBTX, earnedAt int64, streak int) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO skip_tokens (earned_at, earned_by_streak) VALUES (?, ?)`, earnedAt, streak)
	if err != nil {
		return 0, fmt.Errorf("mint skip token: %w", err)
	}
	return res.LastInsertId()
}

// OldestUnusedToken returns the oldest unused token, or nil when none exists.
func (r *RewardRepo) OldestUnusedToken(ctx context.Context, q DBTX) (*domain.SkipToken, error) {
	const stmt = `SELECT id, earned_at, earned_by_streak, used, used_at, used_on_rule_id, used_on_execution_id
FROM skip_tokens WHERE used = 0 ORDER BY earned_at ASC, id ASC LIMIT 1`
	tok, err := scanToken(q.QueryRowContext(ctx, stmt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get unused skip token: %w", err)
	}
	return tok, nil
}

// SpendToken marks a token used on the given execution. It returns false if
// the token was already spent.
func (r *RewardRepo) SpendToken(ctx context.Context, q DBTX, tokenID int64, ruleID, executionID string, now int64) (bool, error) {
	const stmt = `UPDATE skip_tokens SET used = 1, used_at = ?, used_on_rule_id = ?, used_on_execution_id = ?
	WHERE id = ? AND used = 0`
	res, err := q.ExecContext(ctx, stmt, now, ruleID, executionID, tokenID)
	if err != nil {
		return false, fmt.Errorf("spend skip token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// ListTokens returns all tokens, newest first.
func (r *RewardRepo) ListTokens(ctx context.Context, q DBTX) ([]domain.SkipToken, error) {
	const stmt = `SELECT id, earned_at, earned_by_streak, used, used_at, used_on_rule_id, used_on_execution_id
FROM skip_tokens ORDER BY earned_at DESC, id DESC`
	rows, err := q.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("list skip tokens: %w", err)
	}
	defer rows.Close()

	var out []domain.SkipToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan skip token: %w", err)
		}
		out = append(out, *tok)
	}
	return out, rows.Err()
}

func scanReward(s scanner) (*domain.Reward, error) {
	var rw domain.Reward
	var t string
	err := s.Scan(&t, &rw.Name, &rw.Description, &rw.RequiresPerfectDays, &rw.RequiresDebtFree,
		&rw.RequiresStreakLength, &rw.Unlocked, &rw.UnlockedAt, &rw.TimesUsed, &rw.LastUsedAt)
	if err != nil {
		return nil, err
	}
	rw.Type = domain.RewardType(t)
	return &rw, nil
}

func scanToken(s scanner) (*domain.SkipToken, error) {
	var tok domain.SkipToken
	err := s.Scan(&tok.ID, &tok.EarnedAt, &tok.EarnedByStreak, &tok.Used, &tok.UsedAt,
		&tok.UsedOnRuleID, &tok.UsedOnExecutionID)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}
