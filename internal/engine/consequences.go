package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/ledger"
	"github.com/consisteso/enforcer/internal/state"
	"github.com/consisteso/enforcer/internal/store"
)

// Escalation bands on a rule's miss rate.
const (
	EscalateSevere   = 0.7
	EscalateModerate = 0.5
	EscalateMild     = 0.3
)

// outcome is what a consequence changed.
type outcome struct {
	DebtAdded int
	Debt      *domain.DebtTransaction
	Level     int
	Revoked   []domain.RewardType
}

// Escalation maps a miss rate to a boring-mode level and the rewards it
// revokes. Level 0 means no escalation.
func Escalation(missRate float64) (int, []domain.RewardType) {
	switch {
	case missRate > EscalateSevere:
		return 3, []domain.RewardType{domain.RewardMusic, domain.RewardVideo, domain.RewardColor}
	case missRate > EscalateModerate:
		return 2, []domain.RewardType{domain.RewardMusic}
	case missRate > EscalateMild:
		return 1, nil
	}
	return 0, nil
}

// applyConsequenceTx applies rule's consequence for a missed execution inside q.
// rule must carry counters that already include the miss.
func (e *Engine) applyConsequenceTx(ctx context.Context, q store.DBTX, rule domain.Rule, exec domain.Execution, now time.Time) (outcome, error) {
	var out outcome
	switch rule.Consequence.Kind {
	case domain.ConsequenceNone:
		return out, nil

	case domain.ConsequenceTimeDebt:
		s, err := e.State.GetTx(ctx, q)
		if err != nil {
			return out, err
		}
		penalty := s.PenaltyMultiplier()
		mult := rule.Consequence.DebtMultiplier
		out.DebtAdded = ledger.DebtFor(rule.EstimatedDurationMinutes, mult, penalty)
		out.Debt, err = e.Ledger.AddDebtTx(ctx, q, out.DebtAdded, ledger.Entry{
			Reason:      "Missed: " + rule.Name,
			RuleID:      rule.ID,
			ExecutionID: exec.ID,
			Multiplier:  mult * penalty,
		}, now)
		return out, err

	case domain.ConsequenceAppLock:
		_, err := e.State.MutateTx(ctx, q, now, func(s *domain.SystemState) error {
			state.LockApps(s, rule.Consequence.LockedApps...)
			return nil
		})
		return out, err

	case domain.ConsequenceBoringMode:
		_, err := e.State.MutateTx(ctx, q, now, func(s *domain.SystemState) error {
			state.SetBoringMode(s, 1, "Missed: "+rule.Name)
			out.Level = s.BoringModeLevel
			return nil
		})
		return out, err

	case domain.ConsequenceEscalation:
		level, revoke := Escalation(rule.MissRate())
		if level == 0 {
			return out, nil
		}
		reason := fmt.Sprintf("Escalated: %s (miss rate %.0f%%)", rule.Name, rule.MissRate()*100)
		_, err := e.State.MutateTx(ctx, q, now, func(s *domain.SystemState) error {
			state.SetBoringMode(s, level, reason)
			out.Level = s.BoringModeLevel
			if len(revoke) == 0 {
				return nil
			}
			out.Revoked = revoke
			return e.Rewards.SetTx(ctx, q, s, false, now, revoke...)
		})
		return out, err
	}
	return out, fmt.Errorf("apply consequence: unknown kind %q", rule.Consequence.Kind)
}
