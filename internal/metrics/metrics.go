// Package metrics defines the Prometheus instruments of the enforcement core.
//
// All methods are safe on a nil *Metrics, so components can run without
// instrumentation in tests and one-shot CLI commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "enforcer"

// Pass kinds.
const (
	PassTick   = "tick"
	PassSettle = "settle"
)

// Metrics holds the enforcer's instruments.
type Metrics struct {
	// PassesTotal counts evaluator and settlement passes.
	// Labels: kind (tick, settle), status (ok, error, skipped)
	PassesTotal *prometheus.CounterVec

	// PassDuration measures pass latency.
	// Labels: kind
	PassDuration *prometheus.HistogramVec

	// ExecutionsTotal counts executions reaching a status.
	// Labels: status (PENDING, COMPLETED, MISSED, SKIPPED, CHEATED)
	ExecutionsTotal *prometheus.CounterVec

	DebtAccruedMinutes prometheus.Counter
	ActiveDebtMinutes  prometheus.Gauge
	GlobalSuspicion    prometheus.Gauge
	SkipTokensMinted   prometheus.Counter

	// AppBlocks counts gate denials.
	// Labels: reason (locked, boring_mode, music_locked, video_locked)
	AppBlocks *prometheus.CounterVec
}

// New registers the instruments with reg. Pass a fresh prometheus.NewRegistry()
// in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PassesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Evaluator and settlement passes by outcome.",
		}, []string{"kind", "status"}),
		PassDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of evaluator and settlement passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions created or resolved, by resulting status.",
		}, []string{"status"}),
		DebtAccruedMinutes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debt_accrued_minutes_total",
			Help:      "Time debt minutes accrued from missed rules.",
		}),
		ActiveDebtMinutes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_debt_minutes",
			Help:      "Current outstanding time debt.",
		}),
		GlobalSuspicion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_suspicion",
			Help:      "Rolling global suspicion level in [0,1].",
		}),
		SkipTokensMinted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skip_tokens_minted_total",
			Help:      "Skip tokens earned through perfect streaks.",
		}),
		AppBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_blocks_total",
			Help:      "App launches denied by the gate, by reason.",
		}, []string{"reason"}),
	}
}

// ObservePass records one pass outcome and its duration.
func (m *Metrics) ObservePass(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(kind, status).Inc()
	m.PassDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Execution counts an execution reaching status.
func (m *Metrics) Execution(status string) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
}

// DebtAccrued adds accrued minutes.
func (m *Metrics) DebtAccrued(minutes int) {
	if m == nil || minutes <= 0 {
		return
	}
	m.DebtAccruedMinutes.Add(float64(minutes))
}

// SetActiveDebt sets the outstanding debt gauge.
func (m *Metrics) SetActiveDebt(minutes int) {
	if m == nil {
		return
	}
	m.ActiveDebtMinutes.Set(float64(minutes))
}

// SetSuspicion sets the global suspicion gauge.
func (m *Metrics) SetSuspicion(v float64) {
	if m == nil {
		return
	}
	m.GlobalSuspicion.Set(v)
}

// TokenMinted counts one minted skip token.
func (m *Metrics) TokenMinted() {
	if m == nil {
		return
	}
	m.SkipTokensMinted.Inc()
}

// AppBlocked counts a gate denial.
func (m *Metrics) AppBlocked(reason string) {
	if m == nil {
		return
	}
	m.AppBlocks.WithLabelValues(reason).Inc()
}
