package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/tracker"
)

// EvaluateAllRules creates a PENDING execution for every active rule whose
// trigger is satisfied at now and returns the executions created, in rule
// priority order.
func (e *Engine) EvaluateAllRules(ctx context.Context, now time.Time) ([]domain.Execution, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	return e.evaluate(ctx, now)
}

func (e *Engine) evaluate(ctx context.Context, now time.Time) ([]domain.Execution, error) {
	rules, err := e.RuleRepo.ListActive(ctx, e.DB)
	if err != nil {
		return nil, fmt.Errorf("evaluate rules: %w", err)
	}
	local := now.In(e.opts.Location)

	var fired []domain.Execution
	for _, rule := range rules {
		ok, err := e.shouldFire(ctx, rule, local)
		if err != nil {
			return fired, fmt.Errorf("evaluate rule %s: %w", rule.ID, err)
		}
		if !ok {
			continue
		}
		exec, created, err := e.Tracker.Open(ctx, rule, local)
		if err != nil {
			return fired, fmt.Errorf("open execution for rule %s: %w", rule.ID, err)
		}
		if !created {
			continue
		}
		fired = append(fired, *exec)
		e.metrics.Execution(string(domain.ExecPending))
		e.log.Info("rule fired", "rule_id", rule.ID, "execution_id", exec.ID, "trigger", string(rule.Trigger.Kind))
	}
	return fired, nil
}

// shouldFire decides trigger eligibility for one rule at local time now.
// Event-driven trigger kinds never fire from the periodic pass.
func (e *Engine) shouldFire(ctx context.Context, rule domain.Rule, now time.Time) (bool, error) {
	switch rule.Trigger.Kind {
	case domain.TriggerTime:
		if rule.Trigger.Time == nil {
			return false, nil
		}
		occ, ok := NearestOccurrence(*rule.Trigger.Time, now, e.opts.TriggerWindow)
		if !ok || !rule.Trigger.AppliesOn(occ.Weekday()) {
			return false, nil
		}
		window := e.opts.TriggerWindow
		exists, err := e.ExecRepo.ExistsInRange(ctx, e.DB, rule.ID, occ.Add(-window).Unix(), occ.Add(window).Unix())
		if err != nil {
			return false, err
		}
		return !exists, nil

	case domain.TriggerDaily:
		if !rule.Trigger.AppliesOn(now.Weekday()) {
			return false, nil
		}
		start, end := tracker.DayBounds(now)
		done, err := e.ExecRepo.HasStatusInRange(ctx, e.DB, rule.ID, start.Unix(), end.Unix(), domain.ExecCompleted)
		if err != nil {
			return false, err
		}
		return !done, nil

	case domain.TriggerWakeUp, domain.TriggerBeforeSleep, domain.TriggerAppOpen, domain.TriggerCustom:
		return false, nil
	}
	return false, nil
}

// NearestOccurrence returns the occurrence of tod closest to now (yesterday,
// today or tomorrow in now's location) and whether it lies within window of now.
func NearestOccurrence(tod domain.TimeOfDay, now time.Time, window time.Duration) (time.Time, bool) {
	today := tod.On(now)
	best := today
	bestDist := absDuration(now.Sub(today))
	for _, c := range []time.Time{tod.On(now.AddDate(0, 0, -1)), tod.On(now.AddDate(0, 0, 1))} {
		if d := absDuration(now.Sub(c)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist <= window
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
