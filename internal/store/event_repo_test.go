package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
)

func TestEventRepo_AppendAndListSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}

	latest, err := repo.LatestSeq(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, latest)

	kinds := []domain.EventKind{domain.EventDeadlineImminent, domain.EventDeadlineMissed, domain.EventSkipTokenEarned}
	for i, k := range kinds {
		seq, err := repo.Append(ctx, db, domain.Event{Kind: k, PayloadJSON: "{}", CreatedAt: int64(100 + i)})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	all, err := repo.ListSince(ctx, db, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.EventDeadlineImminent, all[0].Kind)

	tail, err := repo.ListSince(ctx, db, 1, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].Seq)
	assert.Equal(t, domain.EventSkipTokenEarned, tail[1].Kind)

	limited, err := repo.ListSince(ctx, db, 0, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	latest, err = repo.LatestSeq(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}

func TestAuditRepo_RecordAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}

	records := []domain.AuditRecord{
		{ID: "a2", Category: "rule", Actor: "user", Action: "create", Subject: "r1", CreatedAt: 200},
		{ID: "a1", Category: "rule", Actor: "user", Action: "delete", Subject: "r1", CreatedAt: 100},
		{ID: "a3", Category: "gate", Actor: "system", Action: "block", Subject: "com.example.game", Severity: "info", CreatedAt: 150},
	}
	for _, rec := range records {
		require.NoError(t, repo.Record(ctx, db, rec))
	}

	got, err := repo.ListByCategory(ctx, db, "rule")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a2", got[1].ID)

	none, err := repo.ListByCategory(ctx, db, "tamper")
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Error(t, repo.Record(ctx, db, records[0]), "duplicate id must be rejected")
}
