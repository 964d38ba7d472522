package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB(t *testing.T) {
	db := newTestDB(t)

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	require.NoError(t, err)
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables = append(tables, name)
	}
	require.NoError(t, rows.Err())

	for _, want := range []string{
		"rules", "executions", "time_debt", "debt_transactions", "system_state", "rewards",
		"skip_tokens", "behavior_patterns", "settled_days", "events", "audit_records", "schema_migrations",
	} {
		assert.Contains(t, tables, want)
	}
}

func TestNewDB_SeedsSingletons(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	debt, err := (&DebtRepo{}).GetHead(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, debt.ActiveDebtMinutes)
	assert.Equal(t, domain.DefaultDebtMultiplier, debt.CurrentMultiplier)
	assert.Equal(t, domain.MaxDebtMultiplier, debt.MaxMultiplier)

	st, err := (&StateRepo{}).Get(ctx, db)
	require.NoError(t, err)
	assert.True(t, st.ColorUnlocked)
	assert.False(t, st.MusicUnlocked)
	assert.Empty(t, st.LockedApps)
	assert.Equal(t, 1.0, st.SilentPunishmentMultiplier)

	rewards, err := (&RewardRepo{}).List(ctx, db)
	require.NoError(t, err)
	assert.Len(t, rewards, 4)
}

func TestNewDB_IdempotentMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db1, err := NewDB(path)
	require.NoError(t, err)
	ctx := context.Background()
	head, err := (&DebtRepo{}).GetHead(ctx, db1)
	require.NoError(t, err)
	head.ActiveDebtMinutes = 42
	require.NoError(t, (&DebtRepo{}).UpdateHead(ctx, db1, *head))
	db1.Close()

	db2, err := NewDB(path)
	require.NoError(t, err)
	defer db2.Close()

	var versions int
	require.NoError(t, db2.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&versions))
	assert.Equal(t, 1, versions)

	head, err = (&DebtRepo{}).GetHead(ctx, db2)
	require.NoError(t, err)
	assert.Equal(t, 42, head.ActiveDebtMinutes, "reopen must not reseed")
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}

	sentinel := assert.AnError
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := repo.Append(ctx, tx, domain.Event{Kind: domain.EventDeadlineMissed, PayloadJSON: "{}", CreatedAt: 1}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	seq, err := repo.LatestSeq(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, seq)
}
