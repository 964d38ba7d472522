// Package guard throttles interactive intents so a burst of completion or
// skip reports from the presentation layer cannot outrun the anti-cheat checks.
package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/consisteso/enforcer/internal/domain"
)

// Intent keys.
const (
	IntentComplete = "complete"
	IntentSkip     = "skip"
	IntentClear    = "clear"
	IntentApps     = "apps"
)

// GuardConfig holds rate limits.
type GuardConfig struct {
	RateLimitPerMinute int
	// Burst defaults to RateLimitPerMinute.
	Burst int
}

// Guard keeps one token bucket per intent key.
type Guard struct {
	Config GuardConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGuard creates a Guard. A non-positive limit disables throttling.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RateLimitPerMinute
	}
	return &Guard{Config: cfg, limiters: make(map[string]*rate.Limiter)}
}

// CheckRateLimit takes one token from key's bucket at now. It returns
// ErrRateLimitExceeded when the bucket is empty.
func (g *Guard) CheckRateLimit(key string, now time.Time) error {
	if g.Config.RateLimitPerMinute <= 0 {
		return nil
	}
	if !g.limiter(key).AllowN(now, 1) {
		return domain.ErrRateLimitExceeded
	}
	return nil
}

func (g *Guard) limiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[key]
	if !ok {
		every := time.Minute / time.Duration(g.Config.RateLimitPerMinute)
		l = rate.NewLimiter(rate.Every(every), g.Config.Burst)
		g.limiters[key] = l
	}
	return l
}
