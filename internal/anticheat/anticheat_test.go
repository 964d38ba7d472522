package anticheat

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/logging"
	"github.com/consisteso/enforcer/internal/store"
)

var t0 = time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)

func newTestAnalyzer(t *testing.T) (*Analyzer, *sql.DB) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	tod := domain.TimeOfDay{Hour: 21}
	require.NoError(t, (&store.RuleRepo{}).Create(context.Background(), db, domain.Rule{
		ID: "r1", Name: "Read", Trigger: domain.Trigger{Kind: domain.TriggerTime, Time: &tod},
		EstimatedDurationMinutes: 20, Consequence: domain.Consequence{Kind: domain.ConsequenceNone, DebtMultiplier: 1.5}, Active: true,
	}))
	return New(db, logging.Discard()), db
}

// resolve creates an execution for r1 and resolves it immediately.
func resolve(t *testing.T, db *sql.DB, id string, status domain.ExecutionStatus, duration int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	repo := &store.ExecutionRepo{}
	ok, err := repo.CreatePending(ctx, db, domain.Execution{
		ID: id, RuleID: "r1", CreatedAt: at.Unix(), HourOfDay: at.Hour(), DayOfWeek: domain.ISOWeekday(at.Weekday()),
	})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.Resolve(ctx, db, id, store.Resolution{Status: status, CompletedAt: at.Unix(), DurationMinutes: duration})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		duration  int
		estimated int
		want      float64
	}{
		{"zero duration is always certain", 0, 1, 1.0},
		{"zero duration with long estimate", 0, 60, 1.0},
		{"normal completion", 18, 20, 0},
		{"too fast", 5, 20, 0.5},
		{"short but proportionate", 1, 2, 0.3},
		{"short and too fast", 1, 30, 0.8},
		{"boundary speed is fine", 6, 20, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			speed := Speed(tt.duration, tt.estimated)
			assert.InDelta(t, float64(tt.duration)/float64(tt.estimated), speed, 1e-9)
			assert.InDelta(t, tt.want, Score(tt.duration, speed), 1e-9)
		})
	}
	assert.True(t, Cheated(0.8))
	assert.False(t, Cheated(0.7))
	assert.Zero(t, Speed(5, 0))
}

func TestAddSuspicion(t *testing.T) {
	var s domain.SystemState
	assert.False(t, AddSuspicion(&s, 0.5))
	assert.False(t, s.SilentPunishmentActive)

	assert.True(t, AddSuspicion(&s, 0.2))
	assert.True(t, s.SilentPunishmentActive)
	assert.Equal(t, domain.SilentPunishmentMultiplier, s.SilentPunishmentMultiplier)

	assert.False(t, AddSuspicion(&s, 0.9), "already active")
	assert.Equal(t, 1.0, s.GlobalSuspicion)

	AddSuspicion(&s, -5)
	assert.Zero(t, s.GlobalSuspicion)
}

func TestAnalyzer_CheatedRaisesSuspicion(t *testing.T) {
	a, db := newTestAnalyzer(t)
	ctx := context.Background()
	resolve(t, db, "e1", domain.ExecCheated, 0, t0)

	var s domain.SystemState
	f, err := a.AfterCompletionTx(ctx, db, &s, domain.ExecCheated, t0)
	require.NoError(t, err)
	assert.False(t, f.RapidMarking)
	assert.InDelta(t, 0.2, s.GlobalSuspicion, 1e-9)
}

func TestAnalyzer_RapidMarking(t *testing.T) {
	a, db := newTestAnalyzer(t)
	ctx := context.Background()

	resolve(t, db, "ok1", domain.ExecCompleted, 20, t0)
	resolve(t, db, "ok2", domain.ExecCompleted, 19, t0.Add(time.Minute))
	resolve(t, db, "fast1", domain.ExecCompleted, 1, t0.Add(2*time.Minute))
	resolve(t, db, "fast2", domain.ExecCompleted, 1, t0.Add(3*time.Minute))

	var s domain.SystemState
	f, err := a.AfterCompletionTx(ctx, db, &s, domain.ExecCompleted, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, f.RapidMarking, "two short reports are not enough")

	resolve(t, db, "fast3", domain.ExecCheated, 0, t0.Add(4*time.Minute))
	f, err = a.AfterCompletionTx(ctx, db, &s, domain.ExecCheated, t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.True(t, f.RapidMarking)
	assert.InDelta(t, 0.5, f.SuspicionDelta, 1e-9)
	assert.InDelta(t, 0.5, s.GlobalSuspicion, 1e-9)
	assert.False(t, s.SilentPunishmentActive)

	resolve(t, db, "fast4", domain.ExecCompleted, 1, t0.Add(5*time.Minute))
	f, err = a.AfterCompletionTx(ctx, db, &s, domain.ExecCompleted, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, f.PunishmentStarted)
	assert.InDelta(t, 0.8, s.GlobalSuspicion, 1e-9)

	patterns, err := a.Patterns(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, domain.PatternRapidMarking, patterns[0].Kind)
	assert.Equal(t, 2, patterns[0].OccurrenceCount)
	assert.Equal(t, RapidMarkingConfidence, patterns[0].Confidence)
}

func TestAnalyzer_DetectPatternsAndPrune(t *testing.T) {
	a, db := newTestAnalyzer(t)
	ctx := context.Background()

	patterns, err := a.DetectPatterns(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, patterns, "no misses, nothing to mine")

	// 2026-03-07 is a Saturday.
	sat := time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		resolve(t, db, fmt.Sprintf("m%d", i), domain.ExecMissed, 0, sat.Add(time.Duration(i)*24*time.Hour*7))
	}
	resolve(t, db, "m-morning", domain.ExecMissed, 0, time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC))

	patterns, err = a.DetectPatterns(ctx, t0)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, domain.PatternNightFailure, patterns[0].Kind)
	assert.Equal(t, []int{23, 8}, patterns[0].FailureHours)
	assert.Equal(t, NightFailureConfidence, patterns[0].Confidence)
	assert.Equal(t, domain.PatternWeekendFailure, patterns[1].Kind)
	assert.Equal(t, []int{6, 2}, patterns[1].FailureDays)
	assert.Equal(t, 4, patterns[1].OccurrenceCount)

	_, err = db.Exec(`INSERT INTO behavior_patterns (kind, confidence) VALUES ('STALE', 0.1)`)
	require.NoError(t, err)
	n, err := a.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := a.Patterns(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}
