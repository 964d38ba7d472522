package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/consisteso/enforcer/internal/config"
	"github.com/consisteso/enforcer/internal/engine"
	"github.com/consisteso/enforcer/internal/gating"
	"github.com/consisteso/enforcer/internal/guard"
	"github.com/consisteso/enforcer/internal/ipc"
	"github.com/consisteso/enforcer/internal/logging"
	"github.com/consisteso/enforcer/internal/metrics"
	"github.com/consisteso/enforcer/internal/notify"
	"github.com/consisteso/enforcer/internal/scheduler"
	"github.com/consisteso/enforcer/internal/store"
)

// app holds every wired component for one process.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *sql.DB
	registry *prometheus.Registry
	engine   *engine.Engine
	gate     *gating.Gate
	guard    *guard.Guard
}

func openApp(configFlag string) (*app, error) {
	path, err := config.Resolve(configFlag)
	if err != nil {
		return nil, fmt.Errorf("%w: place config.json next to the exe, use --config <path>, or set %s", err, config.EnvConfigPath)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "enforcer"})

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	n := notify.Multi{notify.NewStoreNotifier(db), notify.LogNotifier{Log: log}}
	e := engine.New(db, n, m, log, engine.Options{
		Location:       cfg.Location(),
		ImminentWindow: cfg.ImminentWindow(),
	})

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: reg,
		engine:   e,
		gate:     gating.New(db, *cfg.AppCategories, m, log),
		guard:    guard.NewGuard(guard.GuardConfig{RateLimitPerMinute: cfg.RateLimitPerMinute}),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) handler() *ipc.Handler {
	return ipc.NewHandler(a.engine, a.gate, a.guard, a.log)
}

func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.New(a.engine, scheduler.SchedulerConfig{
		Interval: a.cfg.EvaluateInterval(),
		SettleAt: a.cfg.SettleAt(),
	}, a.log)
}

// formatListenURL turns a listen address into a browsable URL.
func formatListenURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
