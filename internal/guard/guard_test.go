package guard

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consisteso/enforcer/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestCheckRateLimit_BurstThenRefill(t *testing.T) {
	g := NewGuard(GuardConfig{RateLimitPerMinute: 5})

	for i := 0; i < 5; i++ {
		require.NoError(t, g.CheckRateLimit(IntentComplete, t0), "call %d", i)
	}
	err := g.CheckRateLimit(IntentComplete, t0)
	assert.ErrorIs(t, err, domain.ErrRateLimitExceeded)

	// One token refills every 12 seconds.
	assert.NoError(t, g.CheckRateLimit(IntentComplete, t0.Add(12*time.Second)))
	assert.ErrorIs(t, g.CheckRateLimit(IntentComplete, t0.Add(12*time.Second)), domain.ErrRateLimitExceeded)
}

func TestCheckRateLimit_KeysAreIndependent(t *testing.T) {
	g := NewGuard(GuardConfig{RateLimitPerMinute: 1})

	require.NoError(t, g.CheckRateLimit(IntentComplete, t0))
	assert.ErrorIs(t, g.CheckRateLimit(IntentComplete, t0), domain.ErrRateLimitExceeded)
	assert.NoError(t, g.CheckRateLimit(IntentSkip, t0))
}

func TestCheckRateLimit_Disabled(t *testing.T) {
	g := NewGuard(GuardConfig{})
	for i := 0; i < 100; i++ {
		require.NoError(t, g.CheckRateLimit(IntentClear, t0))
	}
}

func TestCheckRateLimit_Concurrent(t *testing.T) {
	g := NewGuard(GuardConfig{RateLimitPerMinute: 10})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.CheckRateLimit(IntentComplete, t0) == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}
