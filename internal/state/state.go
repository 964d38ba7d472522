// Package state owns the SystemState singleton. All writes go through
// Mutate or MutateTx: a read-modify-write of the row inside one transaction,
// guarded by the row's state_version.
package state

import (
	"context"
	"database/sql"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/store"
)

// UninstallReason is the boring-mode reason set by an uninstall attempt.
const UninstallReason = "Uninstall attempt detected"

// Handle is the serialized owner of the SystemState row.
type Handle struct {
	db    *sql.DB
	repo  *store.StateRepo
	audit *store.AuditRepo
	log   *slog.Logger
}

// New creates a Handle over db.
func New(db *sql.DB, log *slog.Logger) *Handle {
	return &Handle{db: db, repo: &store.StateRepo{}, audit: &store.AuditRepo{}, log: log}
}

// Get returns the current system state.
func (h *Handle) Get(ctx context.Context) (*domain.SystemState, error) {
	return h.repo.Get(ctx, h.db)
}

// GetTx returns the system state as seen by the caller's transaction.
func (h *Handle) GetTx(ctx context.Context, q store.DBTX) (*domain.SystemState, error) {
	return h.repo.Get(ctx, q)
}

// Mutate applies fn to the state in its own transaction and returns the stored result.
func (h *Handle) Mutate(ctx context.Context, now time.Time, fn func(s *domain.SystemState) error) (*domain.SystemState, error) {
	var out *domain.SystemState
	err := store.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		var err error
		out, err = h.MutateTx(ctx, tx, now, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MutateTx applies fn to the state inside the caller's transaction.
func (h *Handle) MutateTx(ctx context.Context, q store.DBTX, now time.Time, fn func(s *domain.SystemState) error) (*domain.SystemState, error) {
	s, err := h.repo.Get(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.UpdatedAt = now.Unix()
	if err := h.repo.Update(ctx, q, *s); err != nil {
		return nil, err
	}
	s.StateVersion++
	return s, nil
}

// LockApp adds app to the locked set.
func (h *Handle) LockApp(ctx context.Context, app string, now time.Time) (*domain.SystemState, error) {
	s, err := h.Mutate(ctx, now, func(s *domain.SystemState) error {
		LockApps(s, app)
		return nil
	})
	if err == nil {
		h.log.Info("app locked", "app", app)
	}
	return s, err
}

// UnlockApp removes app from the locked set and records it as unlocked.
func (h *Handle) UnlockApp(ctx context.Context, app string, now time.Time) (*domain.SystemState, error) {
	s, err := h.Mutate(ctx, now, func(s *domain.SystemState) error {
		UnlockApps(s, app)
		return nil
	})
	if err == nil {
		h.log.Info("app unlocked", "app", app)
	}
	return s, err
}

// HandleUninstallAttempt counts the attempt, raises boring mode to the
// maximum level and leaves an audit record.
func (h *Handle) HandleUninstallAttempt(ctx context.Context, now time.Time) (*domain.SystemState, error) {
	var out *domain.SystemState
	err := store.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		var err error
		out, err = h.MutateTx(ctx, tx, now, func(s *domain.SystemState) error {
			s.UninstallAttempts++
			SetBoringMode(s, domain.MaxBoringModeLevel, UninstallReason)
			return nil
		})
		if err != nil {
			return err
		}
		return h.audit.Record(ctx, tx, domain.AuditRecord{
			ID:        uuid.NewString(),
			Category:  "tamper",
			Actor:     "system",
			Action:    "uninstall_attempt",
			Severity:  "warn",
			CreatedAt: now.Unix(),
		})
	})
	if err != nil {
		return nil, err
	}
	h.log.Warn("uninstall attempt", "attempts", out.UninstallAttempts)
	return out, nil
}

// LockApps adds apps to the locked set, removing them from the unlocked set.
func LockApps(s *domain.SystemState, apps ...string) {
	for _, app := range apps {
		app = strings.TrimSpace(app)
		if app == "" {
			continue
		}
		if !slices.Contains(s.LockedApps, app) {
			s.LockedApps = append(s.LockedApps, app)
		}
		s.UnlockedApps = slices.DeleteFunc(s.UnlockedApps, func(a string) bool { return a == app })
	}
}

// UnlockApps removes apps from the locked set and adds them to the unlocked set.
func UnlockApps(s *domain.SystemState, apps ...string) {
	for _, app := range apps {
		app = strings.TrimSpace(app)
		if app == "" {
			continue
		}
		s.LockedApps = slices.DeleteFunc(s.LockedApps, func(a string) bool { return a == app })
		if !slices.Contains(s.UnlockedApps, app) {
			s.UnlockedApps = append(s.UnlockedApps, app)
		}
	}
}

// SetBoringMode activates boring mode at level unless a higher level is
// already active. The reason follows the level that is kept.
func SetBoringMode(s *domain.SystemState, level int, reason string) {
	level = min(max(level, 1), domain.MaxBoringModeLevel)
	if s.BoringModeActive && s.BoringModeLevel > level {
		return
	}
	s.BoringModeActive = true
	s.BoringModeLevel = level
	s.BoringModeReason = reason
}

// ClearBoringMode deactivates boring mode.
func ClearBoringMode(s *domain.SystemState) {
	s.BoringModeActive = false
	s.BoringModeLevel = 0
	s.BoringModeReason = ""
}
