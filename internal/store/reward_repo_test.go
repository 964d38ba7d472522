package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
)

func TestRewardRepo_SeededCatalog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &RewardRepo{}

	skip, err := repo.Get(ctx, db, domain.RewardSkipToken)
	require.NoError(t, err)
	require.NotNil(t, skip)
	assert.Equal(t, 7, skip.RequiresPerfectDays)
	assert.Equal(t, 7, skip.RequiresStreakLength)
	assert.True(t, skip.RequiresDebtFree)
	assert.False(t, skip.Unlocked)

	color, err := repo.Get(ctx, db, domain.RewardColor)
	require.NoError(t, err)
	assert.True(t, color.Unlocked)

	missing, err := repo.Get(ctx, db, domain.RewardType("NOPE"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRewardRepo_SetUnlockedStampsOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &RewardRepo{}

	require.NoError(t, repo.SetUnlocked(ctx, db, domain.RewardMusic, true, 100))
	require.NoError(t, repo.SetUnlocked(ctx, db, domain.RewardMusic, true, 200))
	got, err := repo.Get(ctx, db, domain.RewardMusic)
	require.NoError(t, err)
	assert.True(t, got.Unlocked)
	assert.Equal(t, int64(100), got.UnlockedAt)

	require.NoError(t, repo.SetUnlocked(ctx, db, domain.RewardMusic, false, 300))
	got, err = repo.Get(ctx, db, domain.RewardMusic)
	require.NoError(t, err)
	assert.False(t, got.Unlocked)
	assert.Zero(t, got.UnlockedAt)

	require.NoError(t, repo.RecordUse(ctx, db, domain.RewardMusic, 400))
	got, err = repo.Get(ctx, db, domain.RewardMusic)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TimesUsed)
	assert.Equal(t, int64(400), got.LastUsedAt)
}

func TestRewardRepo_TokensOldestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &RewardRepo{}

	none, err := repo.OldestUnusedToken(ctx, db)
	require.NoError(t, err)
	assert.Nil(t, none)

	newer, err := repo.MintToken(ctx, db, 200, 14)
	require.NoError(t, err)
	older, err := repo.MintToken(ctx, db, 100, 7)
	require.NoError(t, err)

	tok, err := repo.OldestUnusedToken(ctx, db)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, older, tok.ID)

	ok, err := repo.SpendToken(ctx, db, older, "r1", "e1", 300)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.SpendToken(ctx, db, older, "r1", "e2", 301)
	require.NoError(t, err)
	assert.False(t, ok)

	tok, err = repo.OldestUnusedToken(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, newer, tok.ID)

	all, err := repo.ListTokens(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[1].Used)
	assert.Equal(t, "e1", all[1].UsedOnExecutionID)
}
