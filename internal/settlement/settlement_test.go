package settlement

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/logging"
	"github.com/consisteso/enforcer/internal/metrics"
	"github.com/consisteso/enforcer/internal/notify"
	"github.com/consisteso/enforcer/internal/rewards"
	"github.com/consisteso/enforcer/internal/state"
	"github.com/consisteso/enforcer/internal/store"
	"github.com/consisteso/enforcer/internal/tracker"
)

type fixture struct {
	db       *sql.DB
	settler  *Settler
	tracker  *tracker.Tracker
	state    *state.Handle
	recorder *notify.Recorder
	metrics  *metrics.Metrics
	rule     domain.Rule
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rule := domain.Rule{
		ID: "r1", Name: "Read", Trigger: domain.Trigger{Kind: domain.TriggerDaily},
		EstimatedDurationMinutes: 20, Consequence: domain.Consequence{Kind: domain.ConsequenceNone, DebtMultiplier: 1.5}, Active: true,
	}
	require.NoError(t, (&store.RuleRepo{}).Create(context.Background(), db, rule))

	log := logging.Discard()
	tr := tracker.New(db)
	st := state.New(db, log)
	rec := &notify.Recorder{}
	m := metrics.New(prometheus.NewRegistry())
	return &fixture{
		db:       db,
		settler:  New(db, tr, st, rewards.New(db, log), rec, m, log),
		tracker:  tr,
		state:    st,
		recorder: rec,
		metrics:  m,
		rule:     rule,
	}
}

func (f *fixture) execution(t *testing.T, at time.Time, status domain.ExecutionStatus) {
	t.Helper()
	ctx := context.Background()
	exec, created, err := f.tracker.Open(ctx, f.rule, at)
	require.NoError(t, err)
	require.True(t, created)
	if status == domain.ExecPending {
		return
	}
	ok, err := f.tracker.ResolveTx(ctx, f.db, exec.ID, store.Resolution{Status: status, CompletedAt: at.Unix()})
	require.NoError(t, err)
	require.True(t, ok)
}

func day(d int) time.Time {
	return time.Date(2026, 3, d, 12, 0, 0, 0, time.UTC)
}

func TestPerfect(t *testing.T) {
	ex := func(s domain.ExecutionStatus) domain.Execution { return domain.Execution{Status: s} }
	assert.True(t, Perfect(nil))
	assert.True(t, Perfect([]domain.Execution{ex(domain.ExecCompleted), ex(domain.ExecSkipped)}))
	assert.False(t, Perfect([]domain.Execution{ex(domain.ExecCompleted), ex(domain.ExecMissed)}))
	assert.False(t, Perfect([]domain.Execution{ex(domain.ExecCheated)}))
	assert.False(t, Perfect([]domain.Execution{ex(domain.ExecPending)}))
}

func TestSettle_PerfectDayUnlocksRewards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.state.Mutate(ctx, day(2), func(s *domain.SystemState) error {
		state.SetBoringMode(s, 2, "Missed: Read")
		return nil
	})
	require.NoError(t, err)
	f.execution(t, day(2), domain.ExecCompleted)

	res, err := f.settler.Settle(ctx, day(2), day(2).Add(12*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.AlreadySettled)
	assert.True(t, res.Settlement.Perfect)
	assert.Equal(t, "2026-03-02", res.Settlement.Day)
	assert.Equal(t, 1, res.Settlement.ExecutionCount)
	assert.Equal(t, 1, res.Settlement.PerfectStreak)
	assert.True(t, Verify(res.Settlement))

	s, err := f.state.Get(ctx)
	require.NoError(t, err)
	assert.True(t, s.MusicUnlocked)
	assert.True(t, s.VideoUnlocked)
	assert.True(t, s.ColorUnlocked)
	assert.False(t, s.BoringModeActive)
	assert.Equal(t, 1, s.CurrentPerfectDays)
	assert.Equal(t, 1, s.LongestPerfectStreak)
	assert.Equal(t, 1, s.TotalDaysActive)
}

func TestSettle_ImperfectDayRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.settler.Settle(ctx, day(1), day(1).Add(12*time.Hour))
	require.NoError(t, err)

	f.execution(t, day(2), domain.ExecMissed)
	res, err := f.settler.Settle(ctx, day(2), day(2).Add(12*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Settlement.Perfect)

	s, err := f.state.Get(ctx)
	require.NoError(t, err)
	assert.False(t, s.MusicUnlocked)
	assert.False(t, s.VideoUnlocked)
	assert.True(t, s.ColorUnlocked, "color is not revoked by an imperfect day")
	assert.Equal(t, 0, s.CurrentPerfectDays)
	assert.Equal(t, 1, s.LongestPerfectStreak)
	assert.Equal(t, 2, s.TotalDaysActive)
}

func TestSettle_PendingDisqualifiesDay(t *testing.T) {
	f := newFixture(t)
	f.execution(t, day(2), domain.ExecPending)
	res, err := f.settler.Settle(context.Background(), day(2), day(2).Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Settlement.Perfect)
}

func TestSettle_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.settler.Settle(ctx, day(2), day(2).Add(time.Hour))
	require.NoError(t, err)
	second, err := f.settler.Settle(ctx, day(2), day(2).Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, second.AlreadySettled)
	assert.Equal(t, first.Settlement, second.Settlement)

	s, err := f.state.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalDaysActive)
	assert.Equal(t, 1, s.CurrentPerfectDays)
}

func TestSettle_SeventhPerfectDayMintsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for d := 1; d <= 7; d++ {
		res, err := f.settler.Settle(ctx, day(d), day(d).Add(11*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, d == 7, res.Settlement.SkipTokenMinted, "day %d", d)
	}

	s, err := f.state.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, s.CurrentPerfectDays)
	assert.Equal(t, 1, s.SkipTokensAvailable)
	assert.Equal(t, 1, f.recorder.Count(domain.EventSkipTokenEarned))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SkipTokensMinted))

	recent, err := f.settler.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "2026-03-07", recent[0].Day)

	got, err := f.settler.Get(ctx, day(7))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.SkipTokenMinted)
}

func TestSettle_TokenEverySeventhDayAndResetAfterImperfectDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	settle := func(d int) *Result {
		t.Helper()
		res, err := f.settler.Settle(ctx, day(d), day(d).Add(11*time.Hour))
		require.NoError(t, err)
		return res
	}

	var minted []int
	for d := 1; d <= 14; d++ {
		if settle(d).Settlement.SkipTokenMinted {
			minted = append(minted, d)
		}
	}
	assert.Equal(t, []int{7, 14}, minted)
	s, err := f.state.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 14, s.CurrentPerfectDays)
	assert.Equal(t, 2, s.SkipTokensAvailable)

	f.execution(t, day(15), domain.ExecMissed)
	res := settle(15)
	assert.False(t, res.Settlement.Perfect)
	assert.Zero(t, res.Settlement.PerfectStreak)

	minted = nil
	for d := 16; d <= 22; d++ {
		if settle(d).Settlement.SkipTokenMinted {
			minted = append(minted, d)
		}
	}
	assert.Equal(t, []int{22}, minted, "a fresh seven-day run is needed after an imperfect day")

	s, err = f.state.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, s.CurrentPerfectDays)
	assert.Equal(t, 14, s.LongestPerfectStreak)
	assert.Equal(t, 3, s.SkipTokensAvailable)
	assert.Equal(t, 3, f.recorder.Count(domain.EventSkipTokenEarned))

	days, err := f.settler.Recent(ctx, 30)
	require.NoError(t, err)
	require.Len(t, days, 22)
	for _, d := range days {
		assert.True(t, Verify(d), "checksum of %s", d.Day)
	}
}
