package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/consisteso/enforcer/internal/domain"
)

// StateRepo handles persistence for the SystemState singleton.
type StateRepo struct{}

// Get loads the system state row.
func (r *StateRepo) Get(ctx context.Context, q DBTX) (*domain.SystemState, error) {
	const stmt = `SELECT boring_mode_active, boring_mode_level, boring_mode_reason, locked_apps, unlocked_apps,
music_unlocked, video_unlocked, color_unlocked, skip_tokens_available, global_suspicion,
silent_punishment_active, silent_punishment_multiplier, current_perfect_days, longest_perfect_streak,
total_days_active, uninstall_attempts, updated_at, state_version
FROM system_state WHERE id = 1`

	var s domain.SystemState
	var locked, unlocked string
	err := q.QueryRowContext(ctx, stmt).Scan(&s.BoringModeActive, &s.BoringModeLevel, &s.BoringModeReason,
		&locked, &unlocked, &s.MusicUnlocked, &s.VideoUnlocked, &s.ColorUnlocked, &s.SkipTokensAvailable,
		&s.GlobalSuspicion, &s.SilentPunishmentActive, &s.SilentPunishmentMultiplier, &s.CurrentPerfectDays,
		&s.LongestPerfectStreak, &s.TotalDaysActive, &s.UninstallAttempts, &s.UpdatedAt, &s.StateVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrStateMissing
		}
		return nil, fmt.Errorf("get system state: %w", err)
	}
	if err := json.Unmarshal([]byte(locked), &s.LockedApps); err != nil {
		return nil, fmt.Errorf("unmarshal locked_apps: %w", err)
	}
	if err := json.Unmarshal([]byte(unlocked), &s.UnlockedApps); err != nil {
		return nil, fmt.Errorf("unmarshal unlocked_apps: %w", err)
	}
	s.LockedApps = nonNil(s.LockedApps)
	s.UnlockedApps = nonNil(s.UnlockedApps)
	return &s, nil
}

// Update writes the system state using optimistic locking.
// The update only succeeds if the stored state_version matches s.StateVersion.
func (r *StateRepo) Update(ctx context.Context, q DBTX, s domain.SystemState) error {
	locked, err := encodeJSON(nonNil(s.LockedApps))
	if err != nil {
		return fmt.Errorf("marshal locked_apps: %w", err)
	}
	unlocked, err := encodeJSON(nonNil(s.UnlockedApps))
	if err != nil {
		return fmt.Errorf("marshal unlocked_apps: %w", err)
	}

	const stmt = `UPDATE system_state SET
		boring_mode_active = ?,
		boring_mode_level = ?,
		boring_mode_reason = ?,
		locked_apps = ?,
		unlocked_apps = ?,
		music_unlocked = ?,
		video_unlocked = ?,
		color_unlocked = ?,
		skip_tokens_available = ?,
		global_suspicion = ?,
		silent_punishment_active = ?,
		silent_punishment_multiplier = ?,
		current_perfect_days = ?,
		longest_perfect_streak = ?,
		total_days_active = ?,
		uninstall_attempts = ?,
		updated_at = ?,
		state_version = state_version + 1
	WHERE id = 1 AND state_version = ?`

	res, err := q.ExecContext(ctx, stmt,
		s.BoringModeActive,
		s.BoringModeLevel,
		s.BoringModeReason,
		locked,
		unlocked,
		s.MusicUnlocked,
		s.VideoUnlocked,
		s.ColorUnlocked,
		s.SkipTokensAvailable,
		s.GlobalSuspicion,
		s.SilentPunishmentActive,
		s.SilentPunishmentMultiplier,
		s.CurrentPerfectDays,
		s.LongestPerfectStreak,
		s.TotalDaysActive,
		s.UninstallAttempts,
		s.UpdatedAt,
		s.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update system state: %w", err)
	}
	return requireRow(res, domain.ErrOptimisticLock)
}
