// Package tracker owns the Execution lifecycle: opening pending executions
// with their context snapshot and moving them to a terminal status exactly once.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/store"
)

// validTransitions defines the legal execution transitions. Every target is terminal.
var validTransitions = map[domain.ExecutionStatus]map[domain.ExecutionStatus]bool{
	domain.ExecPending: {
		domain.ExecCompleted: true,
		domain.ExecCheated:   true,
		domain.ExecMissed:    true,
		domain.ExecSkipped:   true,
	},
}

// IsValidTransition checks if an execution transition is legal.
func IsValidTransition(from, to domain.ExecutionStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Tracker creates and resolves executions.
type Tracker struct {
	db    *sql.DB
	execs *store.ExecutionRepo
}

// New creates a Tracker over db.
func New(db *sql.DB) *Tracker {
	return &Tracker{db: db, execs: &store.ExecutionRepo{}}
}

// OpenTx creates a PENDING execution for rule at now, recording the local
// hour and ISO weekday of now. It returns false when the rule already has a
// pending execution.
func (t *Tracker) OpenTx(ctx context.Context, q store.DBTX, rule domain.Rule, now time.Time) (*domain.Execution, bool, error) {
	exec := domain.Execution{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		CreatedAt: now.Unix(),
		Status:    domain.ExecPending,
		HourOfDay: now.Hour(),
		DayOfWeek: domain.ISOWeekday(now.Weekday()),
	}
	created, err := t.execs.CreatePending(ctx, q, exec)
	if err != nil || !created {
		return nil, false, err
	}
	return &exec, true, nil
}

// Open is OpenTx on the tracker's database.
func (t *Tracker) Open(ctx context.Context, rule domain.Rule, now time.Time) (*domain.Execution, bool, error) {
	return t.OpenTx(ctx, t.db, rule, now)
}

// ResolveTx moves a PENDING execution to res.Status. It returns false when the
// execution is missing or already terminal.
func (t *Tracker) ResolveTx(ctx context.Context, q store.DBTX, executionID string, res store.Resolution) (bool, error) {
	if !IsValidTransition(domain.ExecPending, res.Status) {
		return false, fmt.Errorf("resolve execution: illegal target status %s", res.Status)
	}
	return t.execs.Resolve(ctx, q, executionID, res)
}

// GetTx loads an execution. A missing execution is reported as (nil, false, nil).
func (t *Tracker) GetTx(ctx context.Context, q store.DBTX, executionID string) (*domain.Execution, bool, error) {
	exec, err := t.execs.GetByID(ctx, q, executionID)
	if errors.Is(err, domain.ErrExecutionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return exec, true, nil
}

// Get is GetTx on the tracker's database.
func (t *Tracker) Get(ctx context.Context, executionID string) (*domain.Execution, bool, error) {
	return t.GetTx(ctx, t.db, executionID)
}

// Pending lists PENDING executions, oldest first.
func (t *Tracker) Pending(ctx context.Context) ([]domain.Execution, error) {
	return t.execs.ListPending(ctx, t.db)
}

// Recent lists the newest executions.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]domain.Execution, error) {
	return t.execs.Recent(ctx, t.db, limit)
}

// InDayTx lists executions created on the calendar day of day, in day's location.
func (t *Tracker) InDayTx(ctx context.Context, q store.DBTX, day time.Time) ([]domain.Execution, error) {
	start, end := DayBounds(day)
	return t.execs.ListInRange(ctx, q, start.Unix(), end.Unix())
}

// Deadline returns createdAt + the rule's estimated duration.
func Deadline(exec domain.Execution, rule domain.Rule) time.Time {
	return time.Unix(exec.CreatedAt, 0).Add(time.Duration(rule.EstimatedDurationMinutes) * time.Minute)
}

// DayBounds returns [start of day, start of next day) for t's calendar day in t's location.
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

// DayKey formats t's calendar day as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
