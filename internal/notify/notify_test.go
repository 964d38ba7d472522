package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/logging"
	"github.com/consisteso/enforcer/internal/store"
)

var t0 = time.Date(2026, 3, 2, 7, 25, 0, 0, time.UTC)

func TestStoreNotifier_AppendsEvents(t *testing.T) {
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	n := NewStoreNotifier(db)
	rule := domain.Rule{ID: "r1", Name: "Run"}
	exec := domain.Execution{ID: "e1", RuleID: "r1"}
	require.NoError(t, n.DeadlineImminent(ctx, rule, exec, 5, t0))
	require.NoError(t, n.DeadlineMissed(ctx, rule, exec, 45, t0.Add(10*time.Minute)))
	require.NoError(t, n.SkipTokenEarned(ctx, 7, t0.Add(time.Hour)))

	events, err := (&store.EventRepo{}).ListSince(ctx, db, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventDeadlineImminent, events[0].Kind)
	assert.Equal(t, domain.EventSkipTokenEarned, events[2].Kind)

	var missed MissedPayload
	require.NoError(t, json.Unmarshal([]byte(events[1].PayloadJSON), &missed))
	assert.Equal(t, MissedPayload{RuleID: "r1", RuleName: "Run", ExecutionID: "e1", DebtAdded: 45}, missed)
}

type failing struct{ Recorder }

func (f *failing) SkipTokenEarned(context.Context, int, time.Time) error { return assert.AnError }

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	rec := &Recorder{}
	bad := &failing{}
	m := Multi{LogNotifier{Log: logging.New(logging.Config{Output: &buf})}, rec, bad}

	require.NoError(t, m.DeadlineMissed(ctx, domain.Rule{ID: "r1"}, domain.Execution{ID: "e1"}, 30, t0))
	err := m.SkipTokenEarned(ctx, 14, t0)
	assert.ErrorIs(t, err, assert.AnError)

	assert.Equal(t, 1, rec.Count(domain.EventDeadlineMissed))
	assert.Equal(t, 1, rec.Count(domain.EventSkipTokenEarned))
	assert.Equal(t, 1, bad.Count(domain.EventDeadlineMissed))
	assert.Contains(t, buf.String(), "deadline missed")
	assert.Contains(t, buf.String(), "debt_minutes=30")
}
