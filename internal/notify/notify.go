// Package notify carries the three signals the enforcement core emits. The
// core only reports facts; rendering and delivery belong to the receivers.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/store"
)

// Notifier receives enforcement signals. Implementations must not block for long.
type Notifier interface {
	DeadlineImminent(ctx context.Context, rule domain.Rule, exec domain.Execution, minutesRemaining int, now time.Time) error
	DeadlineMissed(ctx context.Context, rule domain.Rule, exec domain.Execution, debtAdded int, now time.Time) error
	SkipTokenEarned(ctx context.Context, streak int, now time.Time) error
}

// Payloads persisted with each event kind.
type (
	ImminentPayload struct {
		RuleID           string `json:"rule_id"`
		RuleName         string `json:"rule_name"`
		ExecutionID      string `json:"execution_id"`
		MinutesRemaining int    `json:"minutes_remaining"`
	}
	MissedPayload struct {
		RuleID      string `json:"rule_id"`
		RuleName    string `json:"rule_name"`
		ExecutionID string `json:"execution_id"`
		DebtAdded   int    `json:"debt_added"`
	}
	TokenPayload struct {
		Streak int `json:"streak"`
	}
)

// LogNotifier writes signals to a structured logger.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) DeadlineImminent(_ context.Context, rule domain.Rule, exec domain.Execution, minutesRemaining int, _ time.Time) error {
	n.Log.Info("deadline imminent", "rule_id", rule.ID, "execution_id", exec.ID, "minutes_remaining", minutesRemaining)
	return nil
}

func (n LogNotifier) DeadlineMissed(_ context.Context, rule domain.Rule, exec domain.Execution, debtAdded int, _ time.Time) error {
	n.Log.Warn("deadline missed", "rule_id", rule.ID, "execution_id", exec.ID, "debt_minutes", debtAdded)
	return nil
}

func (n LogNotifier) SkipTokenEarned(_ context.Context, streak int, _ time.Time) error {
	n.Log.Info("skip token earned", "streak", streak)
	return nil
}

// StoreNotifier appends signals to the events table, from which the HTTP
// stream serves them.
type StoreNotifier struct {
	db   *sql.DB
	repo *store.EventRepo
}

// NewStoreNotifier creates a StoreNotifier over db.
func NewStoreNotifier(db *sql.DB) *StoreNotifier {
	return &StoreNotifier{db: db, repo: &store.EventRepo{}}
}

func (n *StoreNotifier) DeadlineImminent(ctx context.Context, rule domain.Rule, exec domain.Execution, minutesRemaining int, now time.Time) error {
	return n.append(ctx, domain.EventDeadlineImminent, ImminentPayload{
		RuleID: rule.ID, RuleName: rule.Name, ExecutionID: exec.ID, MinutesRemaining: minutesRemaining,
	}, now)
}

func (n *StoreNotifier) DeadlineMissed(ctx context.Context, rule domain.Rule, exec domain.Execution, debtAdded int, now time.Time) error {
	return n.append(ctx, domain.EventDeadlineMissed, MissedPayload{
		RuleID: rule.ID, RuleName: rule.Name, ExecutionID: exec.ID, DebtAdded: debtAdded,
	}, now)
}

func (n *StoreNotifier) SkipTokenEarned(ctx context.Context, streak int, now time.Time) error {
	return n.append(ctx, domain.EventSkipTokenEarned, TokenPayload{Streak: streak}, now)
}

func (n *StoreNotifier) append(ctx context.Context, kind domain.EventKind, payload any, now time.Time) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	_, err = n.repo.Append(ctx, n.db, domain.Event{Kind: kind, PayloadJSON: string(b), CreatedAt: now.Unix()})
	return err
}

// Multi fans a signal out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) DeadlineImminent(ctx context.Context, rule domain.Rule, exec domain.Execution, minutesRemaining int, now time.Time) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.DeadlineImminent(ctx, rule, exec, minutesRemaining, now))
	}
	return errors.Join(errs...)
}

func (m Multi) DeadlineMissed(ctx context.Context, rule domain.Rule, exec domain.Execution, debtAdded int, now time.Time) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.DeadlineMissed(ctx, rule, exec, debtAdded, now))
	}
	return errors.Join(errs...)
}

func (m Multi) SkipTokenEarned(ctx context.Context, streak int, now time.Time) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SkipTokenEarned(ctx, streak, now))
	}
	return errors.Join(errs...)
}

// Signal is one notification captured by a Recorder.
type Signal struct {
	Kind        domain.EventKind
	RuleID      string
	ExecutionID string
	Value       int
}

// Recorder keeps every signal in memory. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *Recorder) DeadlineImminent(_ context.Context, rule domain.Rule, exec domain.Execution, minutesRemaining int, _ time.Time) error {
	r.add(Signal{Kind: domain.EventDeadlineImminent, RuleID: rule.ID, ExecutionID: exec.ID, Value: minutesRemaining})
	return nil
}

func (r *Recorder) DeadlineMissed(_ context.Context, rule domain.Rule, exec domain.Execution, debtAdded int, _ time.Time) error {
	r.add(Signal{Kind: domain.EventDeadlineMissed, RuleID: rule.ID, ExecutionID: exec.ID, Value: debtAdded})
	return nil
}

func (r *Recorder) SkipTokenEarned(_ context.Context, streak int, _ time.Time) error {
	r.add(Signal{Kind: domain.EventSkipTokenEarned, Value: streak})
	return nil
}

// Signals returns a copy of the captured signals.
func (r *Recorder) Signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.signals...)
}

// Count returns how many signals of kind were captured.
func (r *Recorder) Count(kind domain.EventKind) int {
	n := 0
	for _, s := range r.Signals() {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Recorder) add(s Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}
