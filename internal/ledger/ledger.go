// Package ledger implements the time-debt ledger: a singleton balance row plus
// an append-only transaction log. The active balance is never negative.
//
// Every mutation updates the head and appends its transaction in the same
// database transaction. Callers composing a larger atomic step use the Tx
// variants with their own *sql.Tx.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/metrics"
	"github.com/consisteso/enforcer/internal/store"
)

// Entry describes the origin of a ledger movement.
type Entry struct {
	Reason      string
	RuleID      string
	ExecutionID string
	// Multiplier is the factor that produced the amount, recorded for audit.
	Multiplier float64
}

// Summary aggregates ledger movements since a point in time.
type Summary struct {
	Since    int64 `json:"since"`
	Accrued  int   `json:"accrued_minutes"`
	Cleared  int   `json:"cleared_minutes"`
	Forgiven int   `json:"forgiven_minutes"`
}

// Ledger owns the TimeDebt singleton.
type Ledger struct {
	db      *sql.DB
	repo    *store.DebtRepo
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Ledger over db.
func New(db *sql.DB, log *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{db: db, repo: &store.DebtRepo{}, log: log, metrics: m}
}

// Head returns the current ledger head.
func (l *Ledger) Head(ctx context.Context) (*domain.TimeDebt, error) {
	return l.repo.GetHead(ctx, l.db)
}

// AddDebt accrues minutes. Non-positive amounts are ignored and return a nil transaction.
func (l *Ledger) AddDebt(ctx context.Context, minutes int, e Entry, now time.Time) (*domain.DebtTransaction, error) {
	var out *domain.DebtTransaction
	err := store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		out, err = l.AddDebtTx(ctx, tx, minutes, e, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.Publish(out)
	return out, nil
}

// AddDebtTx is AddDebt inside the caller's transaction. The caller calls
// Publish after commit.
func (l *Ledger) AddDebtTx(ctx context.Context, q store.DBTX, minutes int, e Entry, now time.Time) (*domain.DebtTransaction, error) {
	if minutes <= 0 {
		return nil, nil
	}
	head, err := l.repo.GetHead(ctx, q)
	if err != nil {
		return nil, err
	}

	before := head.ActiveDebtMinutes
	head.ActiveDebtMinutes += minutes
	head.TotalDebtMinutes += minutes
	if head.ActiveDebtMinutes > head.PeakDebtMinutes {
		head.PeakDebtMinutes = head.ActiveDebtMinutes
	}
	head.UpdatedAt = now.Unix()

	mult := e.Multiplier
	if mult == 0 {
		mult = 1.0
	}
	txn := domain.DebtTransaction{
		CreatedAt:     now.Unix(),
		Kind:          domain.DebtAccrued,
		AmountMinutes: minutes,
		Multiplier:    mult,
		Reason:        e.Reason,
		RuleID:        e.RuleID,
		ExecutionID:   e.ExecutionID,
		BalanceBefore: before,
		BalanceAfter:  head.ActiveDebtMinutes,
	}
	return l.write(ctx, q, *head, txn)
}

// Clear pays down up to minutes of active debt and returns the minutes
// actually cleared. Requests above the balance clamp to it; negative requests
// and an empty balance clear nothing.
func (l *Ledger) Clear(ctx context.Context, minutes int, reason string, now time.Time) (int, error) {
	return l.reduce(ctx, domain.DebtCleared, minutes, reason, now)
}

// Forgive writes off up to minutes of active debt. Forgiven minutes count
// toward the cleared total.
func (l *Ledger) Forgive(ctx context.Context, minutes int, reason string, now time.Time) (int, error) {
	return l.reduce(ctx, domain.DebtForgiven, minutes, reason, now)
}

func (l *Ledger) reduce(ctx context.Context, kind domain.DebtTxKind, minutes int, reason string, now time.Time) (int, error) {
	var out *domain.DebtTransaction
	err := store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		out, err = l.ReduceTx(ctx, tx, kind, minutes, reason, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	l.Publish(out)
	l.log.Info("debt reduced", "kind", string(kind), "debt_minutes", out.AmountMinutes, "balance", out.BalanceAfter)
	return out.AmountMinutes, nil
}

// ReduceTx clears or forgives inside the caller's transaction. It returns a
// nil transaction when nothing was applied.
func (l *Ledger) ReduceTx(ctx context.Context, q store.DBTX, kind domain.DebtTxKind, minutes int, reason string, now time.Time) (*domain.DebtTransaction, error) {
	if kind != domain.DebtCleared && kind != domain.DebtForgiven {
		return nil, fmt.Errorf("reduce debt: unsupported kind %s", kind)
	}
	if minutes <= 0 {
		return nil, nil
	}
	head, err := l.repo.GetHead(ctx, q)
	if err != nil {
		return nil, err
	}
	applied := min(minutes, head.ActiveDebtMinutes)
	if applied == 0 {
		return nil, nil
	}

	before := head.ActiveDebtMinutes
	head.ActiveDebtMinutes -= applied
	head.ClearedDebtMinutes += applied
	head.LastClearedAt = now.Unix()
	head.UpdatedAt = now.Unix()

	txn := domain.DebtTransaction{
		CreatedAt:     now.Unix(),
		Kind:          kind,
		AmountMinutes: applied,
		Multiplier:    1.0,
		Reason:        reason,
		BalanceBefore: before,
		BalanceAfter:  head.ActiveDebtMinutes,
	}
	return l.write(ctx, q, *head, txn)
}

// UpdateMultiplier sets the current multiplier clamped to [1.0, max] and
// returns the stored value. A change is logged as a COMPOUNDED entry.
func (l *Ledger) UpdateMultiplier(ctx context.Context, value float64, now time.Time) (float64, error) {
	var stored float64
	err := store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		head, err := l.repo.GetHead(ctx, tx)
		if err != nil {
			return err
		}
		stored = Clamp(value, domain.MinDebtMultiplier, head.MaxMultiplier)
		if stored == head.CurrentMultiplier {
			return nil
		}
		head.CurrentMultiplier = stored
		head.UpdatedAt = now.Unix()
		_, err = l.write(ctx, tx, *head, domain.DebtTransaction{
			CreatedAt:     now.Unix(),
			Kind:          domain.DebtCompounded,
			Multiplier:    stored,
			Reason:        fmt.Sprintf("Multiplier set to %.2f", stored),
			BalanceBefore: head.ActiveDebtMinutes,
			BalanceAfter:  head.ActiveDebtMinutes,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// Recent returns the newest transactions, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]domain.DebtTransaction, error) {
	return l.repo.Recent(ctx, l.db, limit)
}

// SummarySince totals accrued, cleared and forgiven minutes since the given time.
func (l *Ledger) SummarySince(ctx context.Context, since time.Time) (Summary, error) {
	s := Summary{Since: since.Unix()}
	var err error
	if s.Accrued, err = l.repo.SumSince(ctx, l.db, domain.DebtAccrued, s.Since); err != nil {
		return s, err
	}
	if s.Cleared, err = l.repo.SumSince(ctx, l.db, domain.DebtCleared, s.Since); err != nil {
		return s, err
	}
	if s.Forgiven, err = l.repo.SumSince(ctx, l.db, domain.DebtForgiven, s.Since); err != nil {
		return s, err
	}
	return s, nil
}

// Publish updates the debt instruments for a committed transaction.
func (l *Ledger) Publish(t *domain.DebtTransaction) {
	if t == nil {
		return
	}
	if t.Kind == domain.DebtAccrued {
		l.metrics.DebtAccrued(t.AmountMinutes)
	}
	l.metrics.SetActiveDebt(t.BalanceAfter)
}

func (l *Ledger) write(ctx context.Context, q store.DBTX, head domain.TimeDebt, txn domain.DebtTransaction) (*domain.DebtTransaction, error) {
	id, err := l.repo.Append(ctx, q, txn)
	if err != nil {
		return nil, err
	}
	if err := l.repo.UpdateHead(ctx, q, head); err != nil {
		return nil, err
	}
	txn.ID = id
	return &txn, nil
}

// DebtFor computes the debt charged for missing a rule:
// round(duration × rule multiplier × penalty).
func DebtFor(durationMinutes int, ruleMultiplier, penalty float64) int {
	if penalty <= 0 {
		penalty = 1.0
	}
	return int(math.Round(float64(durationMinutes) * ruleMultiplier * penalty))
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
