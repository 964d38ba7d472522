// Package gating decides whether an app may be opened given the current
// SystemState.
package gating

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/metrics"
	"github.com/consisteso/enforcer/internal/store"
)

// Block reasons.
const (
	ReasonLocked      = "locked"
	ReasonBoringMode  = "boring_mode"
	ReasonMusicLocked = "music_locked"
	ReasonVideoLocked = "video_locked"
)

// Categories lists package-name fragments per app category.
type Categories struct {
	Entertainment []string `json:"entertainment" yaml:"entertainment"`
	Music         []string `json:"music" yaml:"music"`
	Video         []string `json:"video" yaml:"video"`
}

// DefaultCategories returns the built-in category fragments.
func DefaultCategories() Categories {
	return Categories{
		Entertainment: []string{
			"com.instagram.android",
			"com.facebook.katana",
			"com.twitter.android",
			"com.snapchat.android",
			"com.zhiliaoapp.musically",
			"com.reddit.frontpage",
			"com.netflix.mediaclient",
			"com.amazon.avod.thirdpartyclient",
			"com.disney.disneyplus",
		},
		Music: []string{
			"com.spotify.music",
			"com.google.android.apps.youtube.music",
			"com.apple.android.music",
			"com.amazon.mp3",
			"deezer.android.app",
		},
		Video: []string{
			"com.google.android.youtube",
			"com.netflix.mediaclient",
			"com.amazon.avod.thirdpartyclient",
			"com.disney.disneyplus",
			"tv.twitch.android.app",
		},
	}
}

// Decision is the gate's answer for one app.
type Decision struct {
	App     string `json:"app"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// Evaluate applies the gating rules in order: explicitly locked apps, then
// entertainment during boring mode, then locked music, then locked video.
func Evaluate(s domain.SystemState, cats Categories, app string) Decision {
	d := Decision{App: app}
	switch {
	case inLockedSet(s.LockedApps, app):
		d.Reason = ReasonLocked
	case s.BoringModeActive && matches(cats.Entertainment, app):
		d.Reason = ReasonBoringMode
	case !s.MusicUnlocked && matches(cats.Music, app):
		d.Reason = ReasonMusicLocked
	case !s.VideoUnlocked && matches(cats.Video, app):
		d.Reason = ReasonVideoLocked
	}
	d.Blocked = d.Reason != ""
	return d
}

func inLockedSet(locked []string, app string) bool {
	for _, l := range locked {
		if strings.EqualFold(l, app) {
			return true
		}
	}
	return false
}

func matches(fragments []string, app string) bool {
	app = strings.ToLower(app)
	for _, f := range fragments {
		if f != "" && strings.Contains(app, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

// Gate reads the stored state and records denials.
type Gate struct {
	db      *sql.DB
	states  *store.StateRepo
	audit   *store.AuditRepo
	cats    Categories
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a Gate.
func New(db *sql.DB, cats Categories, m *metrics.Metrics, log *slog.Logger) *Gate {
	return &Gate{db: db, states: &store.StateRepo{}, audit: &store.AuditRepo{}, cats: cats, metrics: m, log: log}
}

// Decide evaluates app against the current state. A block is counted and audited.
func (g *Gate) Decide(ctx context.Context, app string, now time.Time) (Decision, error) {
	s, err := g.states.Get(ctx, g.db)
	if err != nil {
		return Decision{}, err
	}
	d := Evaluate(*s, g.cats, app)
	if !d.Blocked {
		return d, nil
	}

	g.metrics.AppBlocked(d.Reason)
	err = g.audit.Record(ctx, g.db, domain.AuditRecord{
		ID:        uuid.NewString(),
		Category:  "gate",
		Actor:     "system",
		Action:    "block",
		Subject:   app,
		Detail:    d.Reason,
		Severity:  "info",
		CreatedAt: now.Unix(),
	})
	if err != nil {
		return d, err
	}
	g.log.Debug("app blocked", "app", app, "reason", d.Reason)
	return d, nil
}
