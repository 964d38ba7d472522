// Package engine drives rule enforcement: it fires rules, expires deadlines,
// applies consequences and records completions. Every state-changing step runs
// in one database transaction; notifications and metrics follow the commit.
package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/consisteso/enforcer/internal/anticheat"
	"github.com/consisteso/enforcer/internal/ledger"
	"github.com/consisteso/enforcer/internal/metrics"
	"github.com/consisteso/enforcer/internal/notify"
	"github.com/consisteso/enforcer/internal/rewards"
	"github.com/consisteso/enforcer/internal/settlement"
	"github.com/consisteso/enforcer/internal/state"
	"github.com/consisteso/enforcer/internal/store"
	"github.com/consisteso/enforcer/internal/tracker"
)

var tracer = otel.Tracer("enforcer.engine")

// Defaults for Options.
const (
	DefaultTriggerWindow  = 5 * time.Minute
	DefaultImminentWindow = 5 * time.Minute
)

// Options tunes the engine.
type Options struct {
	// Location is the time zone that defines calendar days and wall-clock triggers.
	Location *time.Location
	// TriggerWindow is how far from its scheduled time a TIME rule may still fire.
	TriggerWindow time.Duration
	// ImminentWindow is how close to its deadline a pending execution gets one reminder.
	ImminentWindow time.Duration
}

func (o *Options) applyDefaults() {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.TriggerWindow <= 0 {
		o.TriggerWindow = DefaultTriggerWindow
	}
	if o.ImminentWindow <= 0 {
		o.ImminentWindow = DefaultImminentWindow
	}
}

// Engine coordinates the enforcement components over one database.
type Engine struct {
	DB         *sql.DB
	RuleRepo   *store.RuleRepo
	ExecRepo   *store.ExecutionRepo
	AuditRepo  *store.AuditRepo
	Tracker    *tracker.Tracker
	Ledger     *ledger.Ledger
	State      *state.Handle
	Rewards    *rewards.Registry
	Anticheat  *anticheat.Analyzer
	Settlement *settlement.Settler

	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	opts     Options

	// passMu serializes evaluation passes and settlement.
	passMu sync.Mutex
	flight singleflight.Group
}

// New wires an Engine over db.
func New(db *sql.DB, n notify.Notifier, m *metrics.Metrics, log *slog.Logger, opts Options) *Engine {
	opts.applyDefaults()
	tr := tracker.New(db)
	st := state.New(db, log)
	rw := rewards.New(db, log)
	return &Engine{
		DB:         db,
		RuleRepo:   &store.RuleRepo{},
		ExecRepo:   &store.ExecutionRepo{},
		AuditRepo:  &store.AuditRepo{},
		Tracker:    tr,
		Ledger:     ledger.New(db, log, m),
		State:      st,
		Rewards:    rw,
		Anticheat:  anticheat.New(db, log),
		Settlement: settlement.New(db, tr, st, rw, n, m, log),
		notifier:   n,
		metrics:    m,
		log:        log,
		opts:       opts,
	}
}

// Location returns the engine's calendar time zone.
func (e *Engine) Location() *time.Location {
	return e.opts.Location
}

// TickReport summarizes one evaluation pass.
type TickReport struct {
	Fired    int `json:"fired"`
	Missed   int `json:"missed"`
	Reminded int `json:"reminded"`
}

// Tick runs EvaluateAllRules followed by CheckDeadlines. Concurrent callers
// share the result of the pass in flight.
func (e *Engine) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	v, err, _ := e.flight.Do("tick", func() (any, error) {
		e.passMu.Lock()
		defer e.passMu.Unlock()
		return e.tick(ctx, now)
	})
	if err != nil {
		return TickReport{}, err
	}
	return v.(TickReport), nil
}

func (e *Engine) tick(ctx context.Context, now time.Time) (report TickReport, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.Tick")
	defer func() {
		finishSpan(span, err)
		e.metrics.ObservePass(metrics.PassTick, passStatus(err), time.Since(start))
	}()

	fired, err := e.evaluate(ctx, now)
	if err != nil {
		return report, err
	}
	report.Fired = len(fired)

	dl, err := e.checkDeadlines(ctx, now)
	if err != nil {
		return report, err
	}
	report.Missed = dl.Missed
	report.Reminded = dl.Reminded
	span.SetAttributes(
		attribute.Int("fired", report.Fired),
		attribute.Int("missed", report.Missed),
		attribute.Int("reminded", report.Reminded),
	)
	return report, nil
}

// SettleReport is the outcome of a settlement pass.
type SettleReport struct {
	Deadlines  DeadlineReport     `json:"deadlines"`
	Settlement *settlement.Result `json:"settlement"`
	Patterns   int                `json:"patterns"`
	Pruned     int64              `json:"pruned"`
}

// SettleDay expires overdue executions, settles the calendar day containing
// day, then mines and prunes failure patterns.
func (e *Engine) SettleDay(ctx context.Context, day, now time.Time) (report SettleReport, err error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.SettleDay")
	defer func() {
		finishSpan(span, err)
		e.metrics.ObservePass(metrics.PassSettle, passStatus(err), time.Since(start))
	}()

	if report.Deadlines, err = e.checkDeadlines(ctx, now); err != nil {
		return report, err
	}
	if report.Settlement, err = e.Settlement.Settle(ctx, day.In(e.opts.Location), now); err != nil {
		return report, err
	}
	patterns, err := e.Anticheat.DetectPatterns(ctx, now)
	if err != nil {
		return report, err
	}
	report.Patterns = len(patterns)
	if report.Pruned, err = e.Anticheat.Prune(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// IsSettled reports whether the calendar day containing day has been settled.
func (e *Engine) IsSettled(ctx context.Context, day time.Time) (bool, error) {
	s, err := e.Settlement.Get(ctx, day.In(e.opts.Location))
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func passStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
