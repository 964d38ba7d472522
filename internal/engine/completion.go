package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/consisteso/enforcer/internal/anticheat"
	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/store"
)

// Reasons reported when an intent is not applied.
const (
	ReasonNotFound        = "execution not found"
	ReasonAlreadyResolved = "execution already resolved"
	ReasonNegativeMinutes = "duration must not be negative"
	ReasonNoSkipToken     = "no skip token available"
)

var (
	errAlreadyResolved = errors.New("already resolved")
	errNoSkipToken     = errors.New("no skip token")
)

// CompletionResult is the outcome of reporting a completion.
type CompletionResult struct {
	Applied         bool                   `json:"applied"`
	Reason          string                 `json:"reason,omitempty"`
	ExecutionID     string                 `json:"execution_id"`
	Status          domain.ExecutionStatus `json:"status,omitempty"`
	SuspicionScore  float64                `json:"suspicion_score"`
	CompletionSpeed float64                `json:"completion_speed"`
	Findings        anticheat.Findings     `json:"findings"`
}

// CompleteExecution records that the user finished a pending execution in
// durationMinutes. The report is scored; a suspicious one resolves as
// CHEATED instead of COMPLETED. Missing and already-resolved executions are
// reported with Applied=false.
func (e *Engine) CompleteExecution(ctx context.Context, executionID string, durationMinutes int, now time.Time) (res CompletionResult, err error) {
	ctx, span := tracer.Start(ctx, "engine.CompleteExecution")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("execution_id", executionID), attribute.Int("duration_minutes", durationMinutes))

	res.ExecutionID = executionID
	if durationMinutes < 0 {
		res.Reason = ReasonNegativeMinutes
		return res, nil
	}

	var suspicion float64
	err = store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		exec, found, err := e.Tracker.GetTx(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if !found {
			res.Reason = ReasonNotFound
			return nil
		}
		if exec.Status.Terminal() {
			res.Reason = ReasonAlreadyResolved
			res.Status = exec.Status
			return nil
		}
		rule, err := e.RuleRepo.GetByID(ctx, tx, exec.RuleID)
		if err != nil {
			return err
		}

		speed := anticheat.Speed(durationMinutes, rule.EstimatedDurationMinutes)
		score := anticheat.Score(durationMinutes, speed)
		status := domain.ExecCompleted
		if anticheat.Cheated(score) {
			status = domain.ExecCheated
		}

		ok, err := e.Tracker.ResolveTx(ctx, tx, exec.ID, store.Resolution{
			Status:          status,
			CompletedAt:     now.Unix(),
			DurationMinutes: durationMinutes,
			SuspicionScore:  score,
			CompletionSpeed: speed,
		})
		if err != nil {
			return err
		}
		if !ok {
			res.Reason = ReasonAlreadyResolved
			return nil
		}
		if status == domain.ExecCompleted {
			if err := e.RuleRepo.RecordCompletion(ctx, tx, rule.ID); err != nil {
				return err
			}
		}

		s, err := e.State.MutateTx(ctx, tx, now, func(s *domain.SystemState) error {
			var err error
			res.Findings, err = e.Anticheat.AfterCompletionTx(ctx, tx, s, status, now)
			return err
		})
		if err != nil {
			return err
		}

		suspicion = s.GlobalSuspicion
		res.Applied = true
		res.Status = status
		res.SuspicionScore = score
		res.CompletionSpeed = speed
		return nil
	})
	if err != nil || !res.Applied {
		return res, err
	}

	e.metrics.Execution(string(res.Status))
	e.metrics.SetSuspicion(suspicion)
	e.log.Info("execution resolved", "execution_id", executionID, "status", string(res.Status),
		"suspicion_score", res.SuspicionScore, "global_suspicion", suspicion)
	if res.Findings.PunishmentStarted {
		e.log.Warn("silent punishment activated", "global_suspicion", suspicion)
	}
	return res, nil
}

// SkipResult is the outcome of redeeming a skip token.
type SkipResult struct {
	Applied     bool   `json:"applied"`
	Reason      string `json:"reason,omitempty"`
	ExecutionID string `json:"execution_id"`
	TokensLeft  int    `json:"tokens_left"`
}

// UseSkipToken spends the oldest unused skip token on a pending execution and
// resolves it as SKIPPED. Nothing changes when no token is available or the
// execution is missing or already resolved.
func (e *Engine) UseSkipToken(ctx context.Context, executionID string, now time.Time) (res SkipResult, err error) {
	ctx, span := tracer.Start(ctx, "engine.UseSkipToken")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("execution_id", executionID))

	res.ExecutionID = executionID
	err = store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		exec, found, err := e.Tracker.GetTx(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if !found {
			res.Reason = ReasonNotFound
			return nil
		}
		ok, err := e.Tracker.ResolveTx(ctx, tx, exec.ID, store.Resolution{
			Status:      domain.ExecSkipped,
			CompletedAt: now.Unix(),
			Note:        "skip token",
		})
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyResolved
		}
		s, err := e.State.MutateTx(ctx, tx, now, func(s *domain.SystemState) error {
			spent, err := e.Rewards.SpendTx(ctx, tx, s, exec.RuleID, exec.ID, now)
			if err != nil {
				return err
			}
			if !spent {
				return errNoSkipToken
			}
			return nil
		})
		if err != nil {
			return err
		}
		res.Applied = true
		res.TokensLeft = s.SkipTokensAvailable
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyResolved):
		res.Reason = ReasonAlreadyResolved
		return res, nil
	case errors.Is(err, errNoSkipToken):
		res.Reason = ReasonNoSkipToken
		return res, nil
	case err != nil:
		return res, err
	}
	if res.Applied {
		e.metrics.Execution(string(domain.ExecSkipped))
		e.log.Info("execution skipped", "execution_id", executionID, "tokens_left", res.TokensLeft)
	}
	return res, nil
}
