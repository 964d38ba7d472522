package ipc

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps an HTTP server with enforcer routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address. A nil gatherer
// leaves /metrics unmounted.
func NewServer(h *Handler, gatherer prometheus.Gatherer, listenAddr string) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           corsMiddleware(Routes(h, gatherer)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: srv}
}

// Routes builds the request multiplexer.
func Routes(h *Handler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/state", h.GetState)

	// Rule endpoints.
	mux.HandleFunc("GET /api/v1/rules", h.ListRules)
	mux.HandleFunc("POST /api/v1/rules", h.CreateRule)
	mux.HandleFunc("GET /api/v1/rules/{ruleID}", h.GetRule)
	mux.HandleFunc("PUT /api/v1/rules/{ruleID}", h.UpdateRule)
	mux.HandleFunc("DELETE /api/v1/rules/{ruleID}", h.DeleteRule)
	mux.HandleFunc("POST /api/v1/rules/{ruleID}/active", h.SetRuleActive)

	// Execution endpoints.
	mux.HandleFunc("GET /api/v1/executions/pending", h.ListPending)
	mux.HandleFunc("GET /api/v1/executions/recent", h.ListRecent)
	mux.HandleFunc("POST /api/v1/executions/{executionID}/complete", h.CompleteExecution)
	mux.HandleFunc("POST /api/v1/executions/{executionID}/skip", h.SkipExecution)

	// Debt endpoints.
	mux.HandleFunc("GET /api/v1/debt", h.GetDebt)
	mux.HandleFunc("GET /api/v1/debt/transactions", h.ListDebtTransactions)
	mux.HandleFunc("POST /api/v1/debt/clear", h.ClearDebt)
	mux.HandleFunc("POST /api/v1/debt/multiplier", h.SetMultiplier)

	// Reward endpoints.
	mux.HandleFunc("GET /api/v1/rewards", h.ListRewards)
	mux.HandleFunc("POST /api/v1/rewards/{type}/use", h.UseReward)

	mux.HandleFunc("GET /api/v1/patterns", h.ListPatterns)
	mux.HandleFunc("GET /api/v1/settlements", h.ListSettlements)
	mux.HandleFunc("GET /api/v1/audit", h.ListAudit)

	// App gating.
	mux.HandleFunc("GET /api/v1/gate", h.GateApp)
	mux.HandleFunc("POST /api/v1/apps/{app}/lock", h.LockApp)
	mux.HandleFunc("POST /api/v1/apps/{app}/unlock", h.UnlockApp)
	mux.HandleFunc("POST /api/v1/uninstall-attempt", h.UninstallAttempt)

	// Passes.
	mux.HandleFunc("POST /api/v1/tick", h.Tick)
	mux.HandleFunc("POST /api/v1/settle", h.Settle)

	mux.HandleFunc("GET /api/v1/events/stream", h.StreamEvents)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local desktop app access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
