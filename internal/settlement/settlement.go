// Package settlement closes out a calendar day: perfect days extend the streak
// and unlock rewards, imperfect days revoke them. Each day settles once.
package settlement

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/metrics"
	"github.com/consisteso/enforcer/internal/notify"
	"github.com/consisteso/enforcer/internal/rewards"
	"github.com/consisteso/enforcer/internal/state"
	"github.com/consisteso/enforcer/internal/store"
	"github.com/consisteso/enforcer/internal/tracker"
)

var tracer = otel.Tracer("enforcer.settlement")

// Result is the outcome of settling one day.
type Result struct {
	Settlement     domain.DaySettlement `json:"settlement"`
	AlreadySettled bool                 `json:"already_settled"`
}

// Settler applies daily settlement.
type Settler struct {
	db       *sql.DB
	tracker  *tracker.Tracker
	state    *state.Handle
	rewards  *rewards.Registry
	repo     *store.SettlementRepo
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// New creates a Settler.
func New(db *sql.DB, tr *tracker.Tracker, st *state.Handle, rw *rewards.Registry, n notify.Notifier, m *metrics.Metrics, log *slog.Logger) *Settler {
	return &Settler{db: db, tracker: tr, state: st, rewards: rw, repo: &store.SettlementRepo{}, notifier: n, metrics: m, log: log}
}

// Perfect reports whether every execution of a day ended COMPLETED or SKIPPED.
// A day with no executions is perfect; a PENDING execution disqualifies it.
func Perfect(execs []domain.Execution) bool {
	for _, e := range execs {
		if e.Status != domain.ExecCompleted && e.Status != domain.ExecSkipped {
			return false
		}
	}
	return true
}

// Settle settles the calendar day containing day, in day's location. A day
// that was already settled is returned unchanged with AlreadySettled set.
func (s *Settler) Settle(ctx context.Context, day, now time.Time) (*Result, error) {
	key := tracker.DayKey(day)
	ctx, span := tracer.Start(ctx, "settlement.Settle")
	defer span.End()
	span.SetAttributes(attribute.String("day", key))

	var res Result
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := s.repo.Get(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			res = Result{Settlement: *existing, AlreadySettled: true}
			return nil
		}

		execs, err := s.tracker.InDayTx(ctx, tx, day)
		if err != nil {
			return err
		}
		perfect := Perfect(execs)
		minted := false

		st, err := s.state.MutateTx(ctx, tx, now, func(st *domain.SystemState) error {
			st.TotalDaysActive++
			if !perfect {
				st.CurrentPerfectDays = 0
				return s.rewards.SetTx(ctx, tx, st, false, now, domain.RewardMusic, domain.RewardVideo)
			}
			if err := s.rewards.SetTx(ctx, tx, st, true, now, domain.RewardMusic, domain.RewardVideo, domain.RewardColor); err != nil {
				return err
			}
			st.CurrentPerfectDays++
			st.LongestPerfectStreak = max(st.LongestPerfectStreak, st.CurrentPerfectDays)
			if rewards.EarnsToken(st.CurrentPerfectDays) {
				if err := s.rewards.MintTx(ctx, tx, st, st.CurrentPerfectDays, now); err != nil {
					return err
				}
				minted = true
			}
			state.ClearBoringMode(st)
			return nil
		})
		if err != nil {
			return err
		}

		snapshot, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal settlement snapshot: %w", err)
		}
		sum := sha256.Sum256(snapshot)
		res.Settlement = domain.DaySettlement{
			Day:             key,
			Perfect:         perfect,
			ExecutionCount:  len(execs),
			PerfectStreak:   st.CurrentPerfectDays,
			SkipTokenMinted: minted,
			SnapshotJSON:    string(snapshot),
			Checksum:        hex.EncodeToString(sum[:]),
			SettledAt:       now.Unix(),
		}
		saved, err := s.repo.Save(ctx, tx, res.Settlement)
		if err != nil {
			return err
		}
		if !saved {
			return fmt.Errorf("settle %s: concurrent settlement", key)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if res.AlreadySettled {
		return &res, nil
	}

	span.SetAttributes(attribute.Bool("perfect", res.Settlement.Perfect))
	s.log.Info("day settled", "day", key, "perfect", res.Settlement.Perfect,
		"executions", res.Settlement.ExecutionCount, "streak", res.Settlement.PerfectStreak)
	if res.Settlement.SkipTokenMinted {
		s.metrics.TokenMinted()
		if err := s.notifier.SkipTokenEarned(ctx, res.Settlement.PerfectStreak, now); err != nil {
			s.log.Warn("skip token notification failed", "day", key, "error", err)
		}
	}
	return &res, nil
}

// Get returns the settlement of the day containing day, or nil when unsettled.
func (s *Settler) Get(ctx context.Context, day time.Time) (*domain.DaySettlement, error) {
	return s.repo.Get(ctx, s.db, tracker.DayKey(day))
}

// Recent lists the newest settlements.
func (s *Settler) Recent(ctx context.Context, limit int) ([]domain.DaySettlement, error) {
	return s.repo.ListRecent(ctx, s.db, limit)
}

// Verify recomputes the checksum of a stored snapshot.
func Verify(d domain.DaySettlement) bool {
	sum := sha256.Sum256([]byte(d.SnapshotJSON))
	return hex.EncodeToString(sum[:]) == d.Checksum
}
