package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
)

// RuleRepo handles persistence for Rule records.
type RuleRepo struct{}

const ruleColumns = `rule_id, name, description, trigger_kind, trigger_time, trigger_days, action_description,
estimated_minutes, consequence_kind, debt_multiplier, locked_apps, total_completions, total_misses,
current_streak, longest_streak, active, priority, created_at`

// Create inserts a new rule.
func (r *RuleRepo) Create(ctx context.Context, q DBTX, rule domain.Rule) error {
	days, apps, err := encodeRuleLists(rule)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO rules (` + ruleColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, stmt,
		rule.ID,
		rule.Name,
		rule.Description,
		string(rule.Trigger.Kind),
		encodeTimeOfDay(rule.Trigger.Time),
		days,
		rule.ActionDescription,
		rule.EstimatedDurationMinutes,
		string(rule.Consequence.Kind),
		rule.Consequence.DebtMultiplier,
		apps,
		rule.TotalCompletions,
		rule.TotalMisses,
		rule.CurrentStreak,
		rule.LongestStreak,
		rule.Active,
		rule.Priority,
		rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

// UpdateDefinition overwrites the user-editable fields of a rule. Lifecycle
// counters are never touched by an edit.
func (r *RuleRepo) UpdateDefinition(ctx context.Context, q DBTX, rule domain.Rule) error {
	days, apps, err := encodeRuleLists(rule)
	if err != nil {
		return err
	}

	const stmt = `UPDATE rules SET
		name = ?,
		description = ?,
		trigger_kind = ?,
		trigger_time = ?,
		trigger_days = ?,
		action_description = ?,
		estimated_minutes = ?,
		consequence_kind = ?,
		debt_multiplier = ?,
		locked_apps = ?,
		active = ?,
		priority = ?
	WHERE rule_id = ?`
	res, err := q.ExecContext(ctx, stmt,
		rule.Name,
		rule.Description,
		string(rule.Trigger.Kind),
		encodeTimeOfDay(rule.Trigger.Time),
		days,
		rule.ActionDescription,
		rule.EstimatedDurationMinutes,
		string(rule.Consequence.Kind),
		rule.Consequence.DebtMultiplier,
		apps,
		rule.Active,
		rule.Priority,
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return requireRow(res, domain.ErrRuleNotFound)
}

// SetActive toggles whether a rule is evaluated.
func (r *RuleRepo) SetActive(ctx context.Context, q DBTX, ruleID string, active bool) error {
	res, err := q.ExecContext(ctx, `UPDATE rules SET active = ? WHERE rule_id = ?`, active, ruleID)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	return requireRow(res, domain.ErrRuleNotFound)
}

// Delete removes a rule; its executions are removed by the foreign key cascade.
func (r *RuleRepo) Delete(ctx context.Context, q DBTX, ruleID string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM rules WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return requireRow(res, domain.ErrRuleNotFound)
}

// RecordCompletion increments the completion counter and current streak and
// raises the longest streak when exceeded.
func (r *RuleRepo) RecordCompletion(ctx context.Context, q DBTX, ruleID string) error {
	const stmt = `UPDATE rules SET
		total_completions = total_completions + 1,
		current_streak = current_streak + 1,
		longest_streak = MAX(longest_streak, current_streak + 1)
	WHERE rule_id = ?`
	res, err := q.ExecContext(ctx, stmt, ruleID)
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return requireRow(res, domain.ErrRuleNotFound)
}

// RecordMiss increments the miss counter and resets the current streak.
func (r *RuleRepo) RecordMiss(ctx context.Context, q DBTX, ruleID string) error {
	const stmt = `UPDATE rules SET total_misses = total_misses + 1, current_streak = 0 WHERE rule_id = ?`
	res, err := q.ExecContext(ctx, stmt, ruleID)
	if err != nil {
		return fmt.Errorf("record miss: %w", err)
	}
	return requireRow(res, domain.ErrRuleNotFound)
}

// GetByID retrieves a rule by its ID.
func (r *RuleRepo) GetByID(ctx context.Context, q DBTX, ruleID string) (*domain.Rule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE rule_id = ?`, ruleID)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListActive returns active rules in evaluation order: priority descending,
// then oldest first.
func (r *RuleRepo) ListActive(ctx context.Context, q DBTX) ([]domain.Rule, error) {
	return r.list(ctx, q, `SELECT `+ruleColumns+` FROM rules WHERE active = 1 ORDER BY priority DESC, created_at ASC, rule_id ASC`)
}

// ListAll returns every rule, newest first.
func (r *RuleRepo) ListAll(ctx context.Context, q DBTX) ([]domain.Rule, error) {
	return r.list(ctx, q, `SELECT `+ruleColumns+` FROM rules ORDER BY created_at DESC, rule_id ASC`)
}

func (r *RuleRepo) list(ctx context.Context, q DBTX, query string) ([]domain.Rule, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.Rule, error) {
	var rule domain.Rule
	var triggerKind, triggerTime, daysJSON, consequenceKind, appsJSON string
	err := s.Scan(&rule.ID, &rule.Name, &rule.Description, &triggerKind, &triggerTime, &daysJSON,
		&rule.ActionDescription, &rule.EstimatedDurationMinutes, &consequenceKind,
		&rule.Consequence.DebtMultiplier, &appsJSON, &rule.TotalCompletions, &rule.TotalMisses,
		&rule.CurrentStreak, &rule.LongestStreak, &rule.Active, &rule.Priority, &rule.CreatedAt)
	if err != nil {
		return nil, err
	}
	rule.Trigger.Kind = domain.TriggerKind(triggerKind)
	rule.Consequence.Kind = domain.ConsequenceKind(consequenceKind)

	if triggerTime != "" {
		tod, err := domain.ParseTimeOfDay(triggerTime)
		if err != nil {
			return nil, err
		}
		rule.Trigger.Time = &tod
	}

	var days []int
	if err := json.Unmarshal([]byte(daysJSON), &days); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_days: %w", err)
	}
	for _, d := range days {
		rule.Trigger.Days = append(rule.Trigger.Days, time.Weekday(d))
	}
	if err := json.Unmarshal([]byte(appsJSON), &rule.Consequence.LockedApps); err != nil {
		return nil, fmt.Errorf("unmarshal locked_apps: %w", err)
	}
	return &rule, nil
}

func encodeRuleLists(rule domain.Rule) (days, apps string, err error) {
	dayInts := make([]int, 0, len(rule.Trigger.Days))
	for _, d := range rule.Trigger.Days {
		dayInts = append(dayInts, int(d))
	}
	if days, err = encodeJSON(dayInts); err != nil {
		return "", "", fmt.Errorf("marshal trigger_days: %w", err)
	}
	if apps, err = encodeJSON(nonNil(rule.Consequence.LockedApps)); err != nil {
		return "", "", fmt.Errorf("marshal locked_apps: %w", err)
	}
	return days, apps, nil
}

func encodeTimeOfDay(t *domain.TimeOfDay) string {
	if t == nil {
		return ""
	}
	return t.String()
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// requireRow maps zero affected rows to notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
