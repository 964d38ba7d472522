package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
)

func TestSettlementRepo_SaveOncePerDay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &SettlementRepo{}

	unsettled, err := repo.Get(ctx, db, "2026-03-02")
	require.NoError(t, err)
	assert.Nil(t, unsettled)

	first := domain.DaySettlement{Day: "2026-03-02", Perfect: true, ExecutionCount: 3, PerfectStreak: 7, SkipTokenMinted: true, SnapshotJSON: "{}", Checksum: "abc", SettledAt: 100}
	ok, err := repo.Save(ctx, db, first)
	require.NoError(t, err)
	assert.True(t, ok)

	again := first
	again.Perfect = false
	ok, err = repo.Save(ctx, db, again)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Get(ctx, db, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, first, *got)

	_, err = repo.Save(ctx, db, domain.DaySettlement{Day: "2026-03-03", SettledAt: 200, SnapshotJSON: "{}"})
	require.NoError(t, err)
	recent, err := repo.ListRecent(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "2026-03-03", recent[0].Day)
}

func TestEventRepo_ListSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}

	for i := int64(1); i <= 3; i++ {
		seq, err := repo.Append(ctx, db, domain.Event{Kind: domain.EventDeadlineImminent, PayloadJSON: `{"minutes_remaining":5}`, CreatedAt: i})
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}

	events, err := repo.ListSince(ctx, db, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, domain.EventDeadlineImminent, events[0].Kind)

	latest, err := repo.LatestSeq(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}

func TestAuditRepo_RecordAndListByCategory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}

	require.NoError(t, repo.Record(ctx, db, domain.AuditRecord{ID: "a1", Category: "rule", Actor: "user", Action: "create", Subject: "r1", Severity: "info", CreatedAt: 2}))
	require.NoError(t, repo.Record(ctx, db, domain.AuditRecord{ID: "a2", Category: "tamper", Actor: "system", Action: "uninstall_attempt", Severity: "warn", CreatedAt: 1}))
	require.NoError(t, repo.Record(ctx, db, domain.AuditRecord{ID: "a3", Category: "rule", Actor: "user", Action: "delete", Subject: "r1", Severity: "info", CreatedAt: 3}))

	rules, err := repo.ListByCategory(ctx, db, "rule")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "create", rules[0].Action)
	assert.Equal(t, "delete", rules[1].Action)
}
