package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/store"
	"github.com/consisteso/enforcer/internal/tracker"
)

// DeadlineReport counts what one deadline check did.
type DeadlineReport struct {
	Missed   int `json:"missed"`
	Reminded int `json:"reminded"`
}

// CheckDeadlines expires every PENDING execution whose deadline has passed,
// applying its rule's consequence, and sends one imminent reminder to
// executions about to expire.
func (e *Engine) CheckDeadlines(ctx context.Context, now time.Time) (DeadlineReport, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	return e.checkDeadlines(ctx, now)
}

func (e *Engine) checkDeadlines(ctx context.Context, now time.Time) (DeadlineReport, error) {
	var report DeadlineReport
	pending, err := e.Tracker.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("check deadlines: %w", err)
	}

	for _, exec := range pending {
		rule, err := e.RuleRepo.GetByID(ctx, e.DB, exec.RuleID)
		if errors.Is(err, domain.ErrRuleNotFound) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("check deadlines: %w", err)
		}

		deadline := tracker.Deadline(exec, *rule)
		if now.After(deadline) {
			missed, err := e.miss(ctx, exec, now)
			if err != nil {
				return report, fmt.Errorf("expire execution %s: %w", exec.ID, err)
			}
			if missed {
				report.Missed++
			}
			continue
		}

		remaining := deadline.Sub(now)
		if exec.Reminded || remaining > e.opts.ImminentWindow {
			continue
		}
		marked, err := e.ExecRepo.MarkReminded(ctx, e.DB, exec.ID)
		if err != nil {
			return report, fmt.Errorf("remind execution %s: %w", exec.ID, err)
		}
		if !marked {
			continue
		}
		report.Reminded++
		minutes := int(math.Ceil(remaining.Minutes()))
		if err := e.notifier.DeadlineImminent(ctx, *rule, exec, minutes, now); err != nil {
			e.log.Warn("imminent notification failed", "execution_id", exec.ID, "error", err)
		}
	}
	return report, nil
}

// miss resolves exec as MISSED, updates its rule's counters and applies the
// rule's consequence in one transaction. It returns false when the execution
// was resolved by someone else first.
func (e *Engine) miss(ctx context.Context, exec domain.Execution, now time.Time) (bool, error) {
	var (
		applied bool
		rule    *domain.Rule
		out     outcome
	)
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		ok, err := e.Tracker.ResolveTx(ctx, tx, exec.ID, store.Resolution{
			Status:      domain.ExecMissed,
			CompletedAt: now.Unix(),
		})
		if err != nil || !ok {
			return err
		}
		if err := e.RuleRepo.RecordMiss(ctx, tx, exec.RuleID); err != nil {
			return err
		}
		// Reload so escalation sees the miss rate including this miss.
		if rule, err = e.RuleRepo.GetByID(ctx, tx, exec.RuleID); err != nil {
			return err
		}
		if out, err = e.applyConsequenceTx(ctx, tx, *rule, exec, now); err != nil {
			return err
		}
		if out.DebtAdded > 0 {
			if err := e.ExecRepo.SetDebtAdded(ctx, tx, exec.ID, out.DebtAdded); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return false, err
	}

	e.Ledger.Publish(out.Debt)
	e.metrics.Execution(string(domain.ExecMissed))
	e.log.Info("execution missed", "rule_id", rule.ID, "execution_id", exec.ID,
		"consequence", string(rule.Consequence.Kind), "debt_minutes", out.DebtAdded)
	exec.Status = domain.ExecMissed
	exec.CompletedAt = now.Unix()
	exec.DebtAdded = out.DebtAdded
	if err := e.notifier.DeadlineMissed(ctx, *rule, exec, out.DebtAdded, now); err != nil {
		e.log.Warn("missed notification failed", "execution_id", exec.ID, "error", err)
	}
	return true, nil
}
