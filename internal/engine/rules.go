package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/store"
)

// CreateRule validates and stores a new rule. A missing ID is generated and
// a zero debt multiplier takes the default. Counters always start at zero.
func (e *Engine) CreateRule(ctx context.Context, rule domain.Rule, now time.Time) (*domain.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Consequence.DebtMultiplier == 0 {
		rule.Consequence.DebtMultiplier = domain.DefaultDebtMultiplier
	}
	rule.TotalCompletions, rule.TotalMisses = 0, 0
	rule.CurrentStreak, rule.LongestStreak = 0, 0
	rule.CreatedAt = now.Unix()
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		if err := e.RuleRepo.Create(ctx, tx, rule); err != nil {
			return err
		}
		return e.audit(ctx, tx, "create", rule.ID, rule.Name, now)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("rule created", "rule_id", rule.ID, "name", rule.Name)
	return &rule, nil
}

// UpdateRule replaces the definition fields of an existing rule. Counters and
// creation time are kept. It returns false when the rule does not exist.
func (e *Engine) UpdateRule(ctx context.Context, rule domain.Rule, now time.Time) (*domain.Rule, bool, error) {
	if rule.Consequence.DebtMultiplier == 0 {
		rule.Consequence.DebtMultiplier = domain.DefaultDebtMultiplier
	}
	if err := rule.Validate(); err != nil {
		return nil, false, err
	}

	var stored *domain.Rule
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		if err := e.RuleRepo.UpdateDefinition(ctx, tx, rule); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "update", rule.ID, rule.Name, now); err != nil {
			return err
		}
		var err error
		stored, err = e.RuleRepo.GetByID(ctx, tx, rule.ID)
		return err
	})
	if errors.Is(err, domain.ErrRuleNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// SetRuleActive toggles whether the rule is evaluated. It returns false when
// the rule does not exist.
func (e *Engine) SetRuleActive(ctx context.Context, ruleID string, active bool, now time.Time) (bool, error) {
	action := "deactivate"
	if active {
		action = "activate"
	}
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		if err := e.RuleRepo.SetActive(ctx, tx, ruleID, active); err != nil {
			return err
		}
		return e.audit(ctx, tx, action, ruleID, "", now)
	})
	if errors.Is(err, domain.ErrRuleNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DeleteRule removes a rule and its executions. It returns false when the
// rule does not exist.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string, now time.Time) (bool, error) {
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		if err := e.RuleRepo.Delete(ctx, tx, ruleID); err != nil {
			return err
		}
		return e.audit(ctx, tx, "delete", ruleID, "", now)
	})
	if errors.Is(err, domain.ErrRuleNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.log.Info("rule deleted", "rule_id", ruleID)
	return true, nil
}

// Rule returns one rule, or false when it does not exist.
func (e *Engine) Rule(ctx context.Context, ruleID string) (*domain.Rule, bool, error) {
	rule, err := e.RuleRepo.GetByID(ctx, e.DB, ruleID)
	if errors.Is(err, domain.ErrRuleNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rule, true, nil
}

// Rules lists every rule, newest first.
func (e *Engine) Rules(ctx context.Context) ([]domain.Rule, error) {
	return e.RuleRepo.ListAll(ctx, e.DB)
}

// ActiveRules lists active rules in evaluation order.
func (e *Engine) ActiveRules(ctx context.Context) ([]domain.Rule, error) {
	return e.RuleRepo.ListActive(ctx, e.DB)
}

func (e *Engine) audit(ctx context.Context, q store.DBTX, action, ruleID, detail string, now time.Time) error {
	return e.AuditRepo.Record(ctx, q, domain.AuditRecord{
		ID:        uuid.NewString(),
		Category:  "rule",
		Actor:     "user",
		Action:    action,
		Subject:   ruleID,
		Detail:    detail,
		Severity:  "info",
		CreatedAt: now.Unix(),
	})
}
