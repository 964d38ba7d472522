// Package scheduler drives the engine on a steady cadence: every tick runs an
// evaluation pass and settles days that are due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/engine"
)

// SchedulerConfig holds tunable parameters for the scheduler loop.
type SchedulerConfig struct {
	Interval time.Duration
	SettleAt domain.TimeOfDay
}

// Report summarizes one scheduler tick.
type Report struct {
	Tick    engine.TickReport `json:"tick"`
	Settled []string          `json:"settled,omitempty"`
}

// Scheduler runs Tick and settlement periodically.
type Scheduler struct {
	Engine *engine.Engine
	Config SchedulerConfig
	Now    func() time.Time

	log      *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler. A zero interval defaults to 15 minutes.
func New(e *engine.Engine, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Scheduler{Engine: e, Config: cfg, Now: time.Now, log: log, stopCh: make(chan struct{})}
}

// RunOnce performs one tick at now: an evaluation pass, settlement of
// yesterday if it was missed, and settlement of today once the settlement
// time has passed.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	var report Report
	tick, err := s.Engine.Tick(ctx, now)
	if err != nil {
		return report, fmt.Errorf("tick: %w", err)
	}
	report.Tick = tick

	local := now.In(s.Engine.Location())
	yesterday := local.AddDate(0, 0, -1)
	due, err := s.catchUpDue(ctx, yesterday)
	if err != nil {
		return report, err
	}
	if due {
		if err := s.settle(ctx, yesterday, now, &report); err != nil {
			return report, err
		}
	}

	if !local.Before(s.Config.SettleAt.On(local)) {
		settled, err := s.Engine.IsSettled(ctx, local)
		if err != nil {
			return report, err
		}
		if !settled {
			if err := s.settle(ctx, local, now, &report); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// catchUpDue reports whether day is unsettled and there is history to settle:
// an execution on that day or an earlier settlement. A fresh install does
// not settle the day before it existed.
func (s *Scheduler) catchUpDue(ctx context.Context, day time.Time) (bool, error) {
	settled, err := s.Engine.IsSettled(ctx, day)
	if err != nil || settled {
		return false, err
	}
	execs, err := s.Engine.Tracker.InDayTx(ctx, s.Engine.DB, day)
	if err != nil {
		return false, err
	}
	if len(execs) > 0 {
		return true, nil
	}
	recent, err := s.Engine.Settlement.Recent(ctx, 1)
	if err != nil {
		return false, err
	}
	return len(recent) > 0, nil
}

func (s *Scheduler) settle(ctx context.Context, day, now time.Time, report *Report) error {
	res, err := s.Engine.SettleDay(ctx, day, now)
	if err != nil {
		return fmt.Errorf("settle %s: %w", day.Format(time.DateOnly), err)
	}
	if res.Settlement != nil && !res.Settlement.AlreadySettled {
		report.Settled = append(report.Settled, res.Settlement.Settlement.Day)
	}
	return nil
}

// Run ticks immediately and then every interval until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	report, err := s.RunOnce(ctx, s.Now())
	if err != nil {
		s.log.Error("scheduler tick failed", "error", err)
		return
	}
	s.log.Debug("scheduler tick", "fired", report.Tick.Fired, "missed", report.Tick.Missed,
		"reminded", report.Tick.Reminded, "settled", report.Settled)
}

// Stop ends Run. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
