package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
)

func TestDebtRepo_OptimisticLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DebtRepo{}

	head, err := repo.GetHead(ctx, db)
	require.NoError(t, err)
	stale := *head

	head.ActiveDebtMinutes = 30
	head.TotalDebtMinutes = 30
	head.PeakDebtMinutes = 30
	require.NoError(t, repo.UpdateHead(ctx, db, *head))

	stale.ActiveDebtMinutes = 99
	assert.ErrorIs(t, repo.UpdateHead(ctx, db, stale), domain.ErrOptimisticLock)

	got, err := repo.GetHead(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 30, got.ActiveDebtMinutes)
	assert.Equal(t, head.StateVersion+1, got.StateVersion)
}

func TestDebtRepo_NegativeBalanceRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DebtRepo{}

	head, err := repo.GetHead(ctx, db)
	require.NoError(t, err)
	head.ActiveDebtMinutes = -1
	assert.Error(t, repo.UpdateHead(ctx, db, *head))
}

func TestDebtRepo_TransactionsAndSums(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DebtRepo{}

	entries := []domain.DebtTransaction{
		{CreatedAt: 10, Kind: domain.DebtAccrued, AmountMinutes: 45, Multiplier: 1.5, Reason: "Missed: Run", BalanceAfter: 45},
		{CreatedAt: 20, Kind: domain.DebtCleared, AmountMinutes: 15, BalanceBefore: 45, BalanceAfter: 30},
		{CreatedAt: 30, Kind: domain.DebtAccrued, AmountMinutes: 10, Multiplier: 1.0, BalanceBefore: 30, BalanceAfter: 40},
	}
	for _, e := range entries {
		_, err := repo.Append(ctx, db, e)
		require.NoError(t, err)
	}

	recent, err := repo.Recent(ctx, db, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(30), recent[0].CreatedAt)
	assert.Equal(t, domain.DebtCleared, recent[1].Kind)

	accrued, err := repo.SumSince(ctx, db, domain.DebtAccrued, 0)
	require.NoError(t, err)
	assert.Equal(t, 55, accrued)

	accrued, err = repo.SumSince(ctx, db, domain.DebtAccrued, 11)
	require.NoError(t, err)
	assert.Equal(t, 10, accrued)

	forgiven, err := repo.SumSince(ctx, db, domain.DebtForgiven, 0)
	require.NoError(t, err)
	assert.Zero(t, forgiven)
}

func TestStateRepo_UpdateRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &StateRepo{}

	st, err := repo.Get(ctx, db)
	require.NoError(t, err)
	st.BoringModeActive = true
	st.BoringModeLevel = 2
	st.BoringModeReason = "Missed: Run"
	st.LockedApps = []string{"com.instagram.android", "com.reddit.frontpage"}
	st.GlobalSuspicion = 0.65
	st.SilentPunishmentActive = true
	st.SilentPunishmentMultiplier = domain.SilentPunishmentMultiplier
	st.UpdatedAt = 1000
	require.NoError(t, repo.Update(ctx, db, *st))

	got, err := repo.Get(ctx, db)
	require.NoError(t, err)
	assert.True(t, got.BoringModeActive)
	assert.Equal(t, 2, got.BoringModeLevel)
	assert.Equal(t, st.LockedApps, got.LockedApps)
	assert.Empty(t, got.UnlockedApps)
	assert.InDelta(t, 0.65, got.GlobalSuspicion, 1e-9)
	assert.InDelta(t, 1.3, got.PenaltyMultiplier(), 1e-9)
	assert.Equal(t, st.StateVersion+1, got.StateVersion)

	assert.ErrorIs(t, repo.Update(ctx, db, *st), domain.ErrOptimisticLock)
}

func TestStateRepo_NegativeTokensRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &StateRepo{}

	st, err := repo.Get(ctx, db)
	require.NoError(t, err)
	st.SkipTokensAvailable = -1
	assert.Error(t, repo.Update(ctx, db, *st))
}
