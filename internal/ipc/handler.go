// Package ipc provides the HTTP API used by the presentation layer.
package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/engine"
	"github.com/consisteso/enforcer/internal/gating"
	"github.com/consisteso/enforcer/internal/guard"
	"github.com/consisteso/enforcer/internal/ledger"
	"github.com/consisteso/enforcer/internal/rewards"
	"github.com/consisteso/enforcer/internal/settlement"
	"github.com/consisteso/enforcer/internal/store"
	"github.com/consisteso/enforcer/internal/tracker"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine    *engine.Engine
	Gate      *gating.Gate
	Guard     *guard.Guard
	DB        *sql.DB
	EventRepo *store.EventRepo
	Log       *slog.Logger

	// Now is the clock used for every intent. Defaults to time.Now.
	Now func() time.Time
	// PollInterval is the SSE polling cadence. Defaults to 2s.
	PollInterval time.Duration
}

// NewHandler creates a Handler.
func NewHandler(e *engine.Engine, gate *gating.Gate, g *guard.Guard, log *slog.Logger) *Handler {
	return &Handler{
		Engine:       e,
		Gate:         gate,
		Guard:        g,
		DB:           e.DB,
		EventRepo:    &store.EventRepo{},
		Log:          log,
		Now:          time.Now,
		PollInterval: 2 * time.Second,
	}
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DebtView is the response for GET /api/v1/debt.
type DebtView struct {
	domain.TimeDebt
	Today ledger.Summary `json:"today"`
}

// RewardsView is the response for GET /api/v1/rewards.
type RewardsView struct {
	Catalog []rewards.View     `json:"catalog"`
	Tokens  []domain.SkipToken `json:"tokens"`
}

// SettlementView is one entry of GET /api/v1/settlements.
type SettlementView struct {
	domain.DaySettlement
	Verified bool `json:"verified"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, APIError{Code: 503, Message: "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetState handles GET /api/v1/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.State.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListRules handles GET /api/v1/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Engine.Rules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rules))
}

// CreateRule handles POST /api/v1/rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := req.toRule("")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: err.Error()})
		return
	}
	created, err := h.Engine.CreateRule(r.Context(), rule, h.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetRule handles GET /api/v1/rules/{ruleID}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok, err := h.Engine.Rule(r.Context(), r.PathValue("ruleID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, domain.ErrRuleNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateRule handles PUT /api/v1/rules/{ruleID}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := req.toRule(r.PathValue("ruleID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: err.Error()})
		return
	}
	updated, ok, err := h.Engine.UpdateRule(r.Context(), rule, h.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, domain.ErrRuleNotFound)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRule handles DELETE /api/v1/rules/{ruleID}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Engine.DeleteRule(r.Context(), r.PathValue("ruleID"), h.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, domain.ErrRuleNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetRuleActive handles POST /api/v1/rules/{ruleID}/active.
func (h *Handler) SetRuleActive(w http.ResponseWriter, r *http.Request) {
	var req ActiveRequest
	if !decode(w, r, &req) {
		return
	}
	ok, err := h.Engine.SetRuleActive(r.Context(), r.PathValue("ruleID"), *req.Active, h.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, domain.ErrRuleNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPending handles GET /api/v1/executions/pending.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	execs, err := h.Engine.Tracker.Pending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(execs))
}

// ListRecent handles GET /api/v1/executions/recent?limit=N.
func (h *Handler) ListRecent(w http.ResponseWriter, r *http.Request) {
	execs, err := h.Engine.Tracker.Recent(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(execs))
}

// CompleteExecution handles POST /api/v1/executions/{executionID}/complete.
// An intent that cannot apply answers 200 with applied=false.
func (h *Handler) CompleteExecution(w http.ResponseWriter, r *http.Request) {
	now := h.Now()
	if err := h.Guard.CheckRateLimit(guard.IntentComplete, now); err != nil {
		writeError(w, err)
		return
	}
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.CompleteExecution(r.Context(), r.PathValue("executionID"), *req.DurationMinutes, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SkipExecution handles POST /api/v1/executions/{executionID}/skip.
func (h *Handler) SkipExecution(w http.ResponseWriter, r *http.Request) {
	now := h.Now()
	if err := h.Guard.CheckRateLimit(guard.IntentSkip, now); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Engine.UseSkipToken(r.Context(), r.PathValue("executionID"), now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetDebt handles GET /api/v1/debt.
func (h *Handler) GetDebt(w http.ResponseWriter, r *http.Request) {
	head, err := h.Engine.Ledger.Head(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	start, _ := tracker.DayBounds(h.Now().In(h.Engine.Location()))
	today, err := h.Engine.Ledger.SummarySince(r.Context(), start)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DebtView{TimeDebt: *head, Today: today})
}

// ListDebtTransactions handles GET /api/v1/debt/transactions?limit=N.
func (h *Handler) ListDebtTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.Engine.Ledger.Recent(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txns))
}

// ClearDebt handles POST /api/v1/debt/clear.
func (h *Handler) ClearDebt(w http.ResponseWriter, r *http.Request) {
	now := h.Now()
	if err := h.Guard.CheckRateLimit(guard.IntentClear, now); err != nil {
		writeError(w, err)
		return
	}
	var req ClearDebtRequest
	if !decode(w, r, &req) {
		return
	}
	reduce := h.Engine.Ledger.Clear
	if req.Forgive {
		reduce = h.Engine.Ledger.Forgive
	}
	reason := req.Reason
	if reason == "" {
		reason = "Cleared by user"
	}
	applied, err := reduce(r.Context(), req.Minutes, reason, now)
	if err != nil {
		writeError(w, err)
		return
	}
	head, err := h.Engine.Ledger.Head(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied_minutes": applied, "debt": head})
}

// SetMultiplier handles POST /api/v1/debt/multiplier.
func (h *Handler) SetMultiplier(w http.ResponseWriter, r *http.Request) {
	var req MultiplierRequest
	if !decode(w, r, &req) {
		return
	}
	stored, err := h.Engine.Ledger.UpdateMultiplier(r.Context(), req.Multiplier, h.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"multiplier": stored})
}

// ListRewards handles GET /api/v1/rewards.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.Engine.Rewards.Catalog(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	tokens, err := h.Engine.Rewards.Tokens(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RewardsView{Catalog: nonNil(catalog), Tokens: nonNil(tokens)})
}

// UseReward handles POST /api/v1/rewards/{type}/use.
func (h *Handler) UseReward(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Engine.Rewards.RecordUse(r.Context(), domain.RewardType(r.PathValue("type")), h.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": ok})
}

// ListPatterns handles GET /api/v1/patterns.
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.Engine.Anticheat.Patterns(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(patterns))
}

// ListSettlements handles GET /api/v1/settlements?limit=N. Each day carries
// whether its stored snapshot still matches its checksum.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	days, err := h.Engine.Settlement.Recent(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]SettlementView, 0, len(days))
	for _, d := range days {
		out = append(out, SettlementView{DaySettlement: d, Verified: settlement.Verify(d)})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListAudit handles GET /api/v1/audit?category=.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "category is required"})
		return
	}
	records, err := h.Engine.AuditRepo.ListByCategory(r.Context(), h.DB, category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

// GateApp handles GET /api/v1/gate?app=.
func (h *Handler) GateApp(w http.ResponseWriter, r *http.Request) {
	app := r.URL.Query().Get("app")
	if app == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "app is required"})
		return
	}
	d, err := h.Gate.Decide(r.Context(), app, h.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// LockApp handles POST /api/v1/apps/{app}/lock.
func (h *Handler) LockApp(w http.ResponseWriter, r *http.Request) {
	h.changeApp(w, r, h.Engine.State.LockApp)
}

// UnlockApp handles POST /api/v1/apps/{app}/unlock.
func (h *Handler) UnlockApp(w http.ResponseWriter, r *http.Request) {
	h.changeApp(w, r, h.Engine.State.UnlockApp)
}

func (h *Handler) changeApp(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, app string, now time.Time) (*domain.SystemState, error)) {
	now := h.Now()
	if err := h.Guard.CheckRateLimit(guard.IntentApps, now); err != nil {
		writeError(w, err)
		return
	}
	s, err := fn(r.Context(), r.PathValue("app"), now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UninstallAttempt handles POST /api/v1/uninstall-attempt.
func (h *Handler) UninstallAttempt(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.State.HandleUninstallAttempt(r.Context(), h.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Tick handles POST /api/v1/tick.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Tick(r.Context(), h.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Settle handles POST /api/v1/settle. Without a day it settles today.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	now := h.Now()
	day := now.In(h.Engine.Location())
	if req.Day != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, req.Day, h.Engine.Location())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "day must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}
	report, err := h.Engine.SettleDay(r.Context(), day, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// StreamEvents handles GET /api/v1/events/stream?since_seq=N (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	lastSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			lastSeq = parsed
		}
	} else if s := r.Header.Get("Last-Event-ID"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			lastSeq = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	send := func() error {
		events, err := h.EventRepo.ListSince(ctx, h.DB, lastSeq, maxListLimit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			writeSSEEvent(w, flusher, ev)
			lastSeq = ev.Seq
		}
		return nil
	}

	if err := send(); err != nil {
		writeSSEError(w, flusher, err)
		return
	}

	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: err.Error()})
		return false
	}
	return true
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var encErr *domain.EnforcerError
	if errors.As(err, &encErr) {
		status := http.StatusInternalServerError
		switch encErr.Code {
		case domain.ErrRuleNotFound.Code, domain.ErrExecutionNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrRuleInvalid.Code:
			status = http.StatusUnprocessableEntity
		case domain.ErrOptimisticLock.Code:
			status = http.StatusConflict
		case domain.ErrRateLimitExceeded.Code:
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, APIError{Code: encErr.Code, Message: encErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, ev.PayloadJSON)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
