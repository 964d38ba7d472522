// Package anticheat scores reported completions, maintains the rolling global
// suspicion level and mines recurring failure patterns from execution history.
package anticheat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/ledger"
	"github.com/consisteso/enforcer/internal/store"
)

// Tuning constants.
const (
	SlowSpeedThreshold   = 0.3
	ShortDurationMinutes = 2

	CheatSuspicionIncrement = 0.2
	RapidMarkingIncrement   = 0.3
	RapidMarkingWindow      = 5
	RapidMarkingMinCount    = 3
	RapidMarkingConfidence  = 0.9

	TopFailureHours          = 5
	TopFailureDays           = 3
	NightFailureConfidence   = 0.8
	WeekendFailureConfidence = 0.75
	PruneConfidence          = 0.3
)

// Speed returns duration / estimated. A non-positive estimate yields 0.
func Speed(durationMinutes, estimatedMinutes int) float64 {
	if estimatedMinutes <= 0 {
		return 0
	}
	return float64(durationMinutes) / float64(estimatedMinutes)
}

// Score returns the suspicion score of a single completion in [0,1].
// A zero-minute report is always 1.0.
func Score(durationMinutes int, speed float64) float64 {
	if durationMinutes == 0 {
		return 1.0
	}
	score := 0.0
	if speed < SlowSpeedThreshold {
		score += 0.5
	}
	if durationMinutes < ShortDurationMinutes {
		score += 0.3
	}
	return ledger.Clamp(score, 0, 1)
}

// Cheated reports whether a score marks the completion as CHEATED.
func Cheated(score float64) bool {
	return score > domain.CheatThreshold
}

// AddSuspicion adds delta to the global suspicion of s, clamped to [0,1].
// Crossing the threshold while inactive switches silent punishment on and
// reports true.
func AddSuspicion(s *domain.SystemState, delta float64) bool {
	s.GlobalSuspicion = ledger.Clamp(s.GlobalSuspicion+delta, 0, 1)
	if s.GlobalSuspicion > domain.SilentPunishmentThreshold && !s.SilentPunishmentActive {
		s.SilentPunishmentActive = true
		s.SilentPunishmentMultiplier = domain.SilentPunishmentMultiplier
		return true
	}
	return false
}

// Findings summarizes what the analyzer changed after one completion.
type Findings struct {
	RapidMarking      bool    `json:"rapid_marking"`
	SuspicionDelta    float64 `json:"suspicion_delta"`
	PunishmentStarted bool    `json:"punishment_started"`
}

// Analyzer applies the history-based checks.
type Analyzer struct {
	db       *sql.DB
	execs    *store.ExecutionRepo
	patterns *store.PatternRepo
	log      *slog.Logger
}

// New creates an Analyzer over db.
func New(db *sql.DB, log *slog.Logger) *Analyzer {
	return &Analyzer{db: db, execs: &store.ExecutionRepo{}, patterns: &store.PatternRepo{}, log: log}
}

// AfterCompletionTx runs inside the completion transaction once the execution
// has been resolved to status. It raises suspicion for a CHEATED outcome,
// checks the recent history for rapid marking and updates s accordingly.
// The rapid-marking window counts only COMPLETED and CHEATED executions;
// MISSED and SKIPPED rows carry no reported duration.
func (a *Analyzer) AfterCompletionTx(ctx context.Context, q store.DBTX, s *domain.SystemState, status domain.ExecutionStatus, now time.Time) (Findings, error) {
	var f Findings
	if status == domain.ExecCheated {
		f.SuspicionDelta += CheatSuspicionIncrement
	}

	recent, err := a.execs.RecentUserResolved(ctx, q, RapidMarkingWindow)
	if err != nil {
		return f, err
	}
	short := 0
	for _, e := range recent {
		if e.DurationMinutes < ShortDurationMinutes {
			short++
		}
	}
	if short >= RapidMarkingMinCount {
		f.RapidMarking = true
		f.SuspicionDelta += RapidMarkingIncrement
		err := a.patterns.RecordOccurrence(ctx, q, domain.BehaviorPattern{
			Kind:            domain.PatternRapidMarking,
			Description:     fmt.Sprintf("%d of the last %d completions reported under %d minutes", short, len(recent), ShortDurationMinutes),
			OccurrenceCount: 1,
			Confidence:      RapidMarkingConfidence,
			DetectedAt:      now.Unix(),
			LastOccurrence:  now.Unix(),
		})
		if err != nil {
			return f, err
		}
	}

	if f.SuspicionDelta > 0 {
		f.PunishmentStarted = AddSuspicion(s, f.SuspicionDelta)
	}
	return f, nil
}

// DetectPatterns aggregates MISSED executions and upserts the NIGHT_FAILURE
// and WEEKEND_FAILURE patterns. Kinds without any misses are left untouched.
func (a *Analyzer) DetectPatterns(ctx context.Context, now time.Time) ([]domain.BehaviorPattern, error) {
	var found []domain.BehaviorPattern
	err := store.WithTx(ctx, a.db, func(tx *sql.Tx) error {
		hours, err := a.execs.TopFailureHours(ctx, tx, TopFailureHours)
		if err != nil {
			return err
		}
		days, err := a.execs.TopFailureDays(ctx, tx, TopFailureDays)
		if err != nil {
			return err
		}

		if len(hours) > 0 {
			found = append(found, domain.BehaviorPattern{
				Kind:            domain.PatternNightFailure,
				Description:     fmt.Sprintf("Misses cluster around hours %v", buckets(hours)),
				FailureHours:    buckets(hours),
				OccurrenceCount: total(hours),
				Confidence:      NightFailureConfidence,
				DetectedAt:      now.Unix(),
				LastOccurrence:  now.Unix(),
			})
		}
		if len(days) > 0 {
			found = append(found, domain.BehaviorPattern{
				Kind:            domain.PatternWeekendFailure,
				Description:     fmt.Sprintf("Misses cluster on weekdays %v", buckets(days)),
				FailureDays:     buckets(days),
				OccurrenceCount: total(days),
				Confidence:      WeekendFailureConfidence,
				DetectedAt:      now.Unix(),
				LastOccurrence:  now.Unix(),
			})
		}
		for _, p := range found {
			if err := a.patterns.Upsert(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Debug("patterns mined", "count", len(found))
	return found, nil
}

// Prune deletes patterns below the minimum confidence.
func (a *Analyzer) Prune(ctx context.Context) (int64, error) {
	n, err := a.patterns.PruneBelow(ctx, a.db, PruneConfidence)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.log.Info("patterns pruned", "count", n)
	}
	return n, nil
}

// Patterns lists stored patterns, most confident first.
func (a *Analyzer) Patterns(ctx context.Context) ([]domain.BehaviorPattern, error) {
	return a.patterns.List(ctx, a.db)
}

func buckets(bs []domain.BucketCount) []int {
	out := make([]int, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Bucket)
	}
	return out
}

func total(bs []domain.BucketCount) int {
	n := 0
	for _, b := range bs {
		n += b.Count
	}
	return n
}
