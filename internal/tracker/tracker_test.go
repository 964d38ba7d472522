package tracker

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *sql.DB, domain.Rule) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rule := domain.Rule{
		ID: "r1", Name: "Stretch", Trigger: domain.Trigger{Kind: domain.TriggerDaily},
		EstimatedDurationMinutes: 15, Consequence: domain.Consequence{Kind: domain.ConsequenceNone, DebtMultiplier: 1.5}, Active: true,
	}
	require.NoError(t, (&store.RuleRepo{}).Create(context.Background(), db, rule))
	return New(db), db, rule
}

func TestIsValidTransition(t *testing.T) {
	for _, to := range []domain.ExecutionStatus{domain.ExecCompleted, domain.ExecCheated, domain.ExecMissed, domain.ExecSkipped} {
		assert.True(t, IsValidTransition(domain.ExecPending, to), to)
		assert.False(t, IsValidTransition(to, domain.ExecPending), to)
		assert.False(t, IsValidTransition(to, domain.ExecCompleted), to)
	}
	assert.False(t, IsValidTransition(domain.ExecPending, domain.ExecPending))
}

func TestTracker_OpenSnapshotsContext(t *testing.T) {
	tr, _, rule := newTestTracker(t)
	ctx := context.Background()
	loc := time.FixedZone("UTC-5", -5*3600)
	// Sunday evening locally, already Monday in UTC.
	now := time.Date(2026, 3, 8, 21, 10, 0, 0, loc)

	exec, created, err := tr.Open(ctx, rule, now)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 21, exec.HourOfDay)
	assert.Equal(t, 7, exec.DayOfWeek)

	_, created, err = tr.Open(ctx, rule, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)

	got, ok, err := tr.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ExecPending, got.Status)
	assert.Equal(t, now.Unix(), got.CreatedAt)
}

func TestTracker_ResolveOnce(t *testing.T) {
	tr, db, rule := newTestTracker(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	exec, _, err := tr.Open(ctx, rule, now)
	require.NoError(t, err)

	ok, err := tr.ResolveTx(ctx, db, exec.ID, store.Resolution{Status: domain.ExecSkipped, CompletedAt: now.Unix()})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.ResolveTx(ctx, db, exec.ID, store.Resolution{Status: domain.ExecMissed, CompletedAt: now.Unix()})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tr.ResolveTx(ctx, db, exec.ID, store.Resolution{Status: domain.ExecPending})
	assert.Error(t, err)

	_, ok, err = tr.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracker_InDay(t *testing.T) {
	tr, db, rule := newTestTracker(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{
		time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
	} {
		exec, created, err := tr.Open(ctx, rule, at)
		require.NoError(t, err)
		require.True(t, created)
		_, err = tr.ResolveTx(ctx, db, exec.ID, store.Resolution{Status: domain.ExecCompleted, CompletedAt: at.Unix()})
		require.NoError(t, err)
	}

	execs, err := tr.InDayTx(ctx, db, day)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

func TestDeadlineAndDayBounds(t *testing.T) {
	exec := domain.Execution{CreatedAt: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC).Unix()}
	rule := domain.Rule{EstimatedDurationMinutes: 30}
	assert.Equal(t, time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC).Unix(), Deadline(exec, rule).Unix())

	start, end := DayBounds(time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), end)
	assert.Equal(t, "2026-03-02", DayKey(start))
}
