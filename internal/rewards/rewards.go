// Package rewards manages the reward catalog and skip tokens. Reward unlocks
// are binary and mirrored in SystemState flags; the catalog row and the flag
// are always written in the same transaction.
package rewards

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/store"
)

// TokenStreakInterval is the perfect-day streak length that earns a skip token.
const TokenStreakInterval = 7

// View is a catalog entry with its current eligibility.
type View struct {
	domain.Reward
	Eligible bool `json:"eligible"`
}

// Registry reads and writes the reward catalog and skip tokens.
type Registry struct {
	db   *sql.DB
	repo *store.RewardRepo
	debt *store.DebtRepo
	st   *store.StateRepo
	log  *slog.Logger
}

// New creates a Registry over db.
func New(db *sql.DB, log *slog.Logger) *Registry {
	return &Registry{db: db, repo: &store.RewardRepo{}, debt: &store.DebtRepo{}, st: &store.StateRepo{}, log: log}
}

// Catalog returns every reward with eligibility computed against the current
// state and ledger.
func (r *Registry) Catalog(ctx context.Context) ([]View, error) {
	list, err := r.repo.List(ctx, r.db)
	if err != nil {
		return nil, err
	}
	s, err := r.st.Get(ctx, r.db)
	if err != nil {
		return nil, err
	}
	head, err := r.debt.GetHead(ctx, r.db)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(list))
	for _, rw := range list {
		out = append(out, View{Reward: rw, Eligible: Eligible(rw, *s, head.ActiveDebtMinutes)})
	}
	return out, nil
}

// Tokens lists skip tokens, newest first.
func (r *Registry) Tokens(ctx context.Context) ([]domain.SkipToken, error) {
	return r.repo.ListTokens(ctx, r.db)
}

// RecordUse counts one use of an unlocked reward. It returns false when the
// reward is unknown or locked.
func (r *Registry) RecordUse(ctx context.Context, t domain.RewardType, now time.Time) (bool, error) {
	used := false
	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		rw, err := r.repo.Get(ctx, tx, t)
		if err != nil || rw == nil || !rw.Unlocked {
			return err
		}
		used = true
		return r.repo.RecordUse(ctx, tx, t, now.Unix())
	})
	return used, err
}

// Eligible reports whether the current state meets a reward's preconditions.
func Eligible(rw domain.Reward, s domain.SystemState, activeDebt int) bool {
	if s.CurrentPerfectDays < rw.RequiresPerfectDays {
		return false
	}
	if rw.RequiresDebtFree && activeDebt > 0 {
		return false
	}
	return s.CurrentPerfectDays >= rw.RequiresStreakLength
}

// SetTx sets the unlock flag of each reward type, in the catalog row and in s.
// The caller persists s.
func (r *Registry) SetTx(ctx context.Context, q store.DBTX, s *domain.SystemState, unlocked bool, now time.Time, types ...domain.RewardType) error {
	for _, t := range types {
		if err := r.repo.SetUnlocked(ctx, q, t, unlocked, now.Unix()); err != nil {
			return err
		}
		setFlag(s, t, unlocked)
	}
	return nil
}

// MintTx creates a skip token earned at the given streak and counts it in s.
// The SKIP_TOKEN catalog entry reads as unlocked while any token is unspent.
func (r *Registry) MintTx(ctx context.Context, q store.DBTX, s *domain.SystemState, streak int, now time.Time) error {
	if _, err := r.repo.MintToken(ctx, q, now.Unix(), streak); err != nil {
		return err
	}
	s.SkipTokensAvailable++
	return r.repo.SetUnlocked(ctx, q, domain.RewardSkipToken, true, now.Unix())
}

// SpendTx consumes the oldest unused token on an execution and decrements the
// count in s. It returns false when no token is available.
func (r *Registry) SpendTx(ctx context.Context, q store.DBTX, s *domain.SystemState, ruleID, executionID string, now time.Time) (bool, error) {
	if s.SkipTokensAvailable <= 0 {
		return false, nil
	}
	tok, err := r.repo.OldestUnusedToken(ctx, q)
	if err != nil || tok == nil {
		return false, err
	}
	ok, err := r.repo.SpendToken(ctx, q, tok.ID, ruleID, executionID, now.Unix())
	if err != nil || !ok {
		return false, err
	}
	if err := r.repo.RecordUse(ctx, q, domain.RewardSkipToken, now.Unix()); err != nil {
		return false, err
	}
	s.SkipTokensAvailable--
	if s.SkipTokensAvailable == 0 {
		if err := r.repo.SetUnlocked(ctx, q, domain.RewardSkipToken, false, now.Unix()); err != nil {
			return false, err
		}
	}
	return true, nil
}

// EarnsToken reports whether reaching streak perfect days mints a skip token.
func EarnsToken(streak int) bool {
	return streak > 0 && streak%TokenStreakInterval == 0
}

func setFlag(s *domain.SystemState, t domain.RewardType, v bool) {
	switch t {
	case domain.RewardMusic:
		s.MusicUnlocked = v
	case domain.RewardVideo:
		s.VideoUnlocked = v
	case domain.RewardColor:
		s.ColorUnlocked = v
	}
}
