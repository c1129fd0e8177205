package license

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gymdesk/pkg/contracts/domain"
)

func TestOutcomeCache(t *testing.T) {
	t.Run("constructor", func(t *testing.T) {
		tests := []struct {
			name string
			ttl  time.Duration
		}{
			{"standard config", 5 * time.Minute},
			{"short ttl", time.Second},
			{"disabled", 0},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cache := NewOutcomeCache(tt.ttl)
				require.NotNil(t, cache)

				stats := cache.GetStats()
				assert.Equal(t, tt.ttl.Seconds(), stats["ttl_seconds"])
				assert.Equal(t, int64(0), stats["hit_count"])
				assert.Equal(t, int64(0), stats["miss_count"])
				assert.Equal(t, false, stats["cached"])
			})
		}
	})

	t.Run("entry lifecycle", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		cache := NewOutcomeCache(5 * time.Minute)
		cache.now = func() time.Time { return now }

		_, found := cache.Get()
		assert.False(t, found)

		outcome := domain.ValidationOutcome{Valid: true, Code: "VALID", Mode: domain.ModeCached}
		cache.Set(outcome)

		got, found := cache.Get()
		assert.True(t, found)
		assert.Equal(t, outcome, got)

		stats := cache.GetStats()
		assert.Equal(t, int64(1), stats["miss_count"])
		assert.Equal(t, int64(1), stats["hit_count"])
		assert.Equal(t, 0.5, stats["hit_ratio"])

		now = now.Add(5 * time.Minute)
		_, found = cache.Get()
		assert.False(t, found, "entry expires at the TTL boundary")
	})

	t.Run("set replaces previous outcome", func(t *testing.T) {
		cache := NewOutcomeCache(time.Minute)
		cache.Set(domain.ValidationOutcome{Valid: true, Code: "VALID"})
		cache.Set(domain.ValidationOutcome{Valid: false, Code: "GRACE_EXPIRED"})

		got, found := cache.Get()
		require.True(t, found)
		assert.Equal(t, "GRACE_EXPIRED", got.Code)
	})

	t.Run("invalidate", func(t *testing.T) {
		cache := NewOutcomeCache(time.Minute)
		cache.Set(domain.ValidationOutcome{Valid: true})
		cache.Invalidate()

		_, found := cache.Get()
		assert.False(t, found)
	})

	t.Run("disabled cache never stores", func(t *testing.T) {
		cache := NewOutcomeCache(0)
		cache.Set(domain.ValidationOutcome{Valid: true})

		_, found := cache.Get()
		assert.False(t, found)
	})

	t.Run("concurrent access", func(t *testing.T) {
		cache := NewOutcomeCache(time.Minute)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				cache.Set(domain.ValidationOutcome{Valid: true})
			}()
			go func() {
				defer wg.Done()
				cache.Get()
			}()
		}
		wg.Wait()

		stats := cache.GetStats()
		assert.Equal(t, int64(50), stats["hit_count"].(int64)+stats["miss_count"].(int64))
	})
}
