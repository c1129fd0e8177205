package license

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Activation guard defaults
const (
	DefaultMaxConsecutiveFailures = 10
	DefaultFailureBlockDuration   = 15 * time.Minute
)

// ActivationGuard throttles activation attempts on this device. A token
// bucket bounds the attempt rate; a run of rejected attempts blocks
// activation for a while to slow down key guessing.
type ActivationGuard struct {
	limiter *rate.Limiter

	mutex         sync.Mutex
	now           func() time.Time
	failures      int
	maxFailures   int
	blockDuration time.Duration
	blockedUntil  time.Time
	rejected      int64
}

// NewActivationGuard allows perMinute attempts per minute with a burst of
// the same size
func NewActivationGuard(perMinute int) *ActivationGuard {
	if perMinute <= 0 {
		perMinute = 5
	}
	return &ActivationGuard{
		limiter:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		now:           time.Now,
		maxFailures:   DefaultMaxConsecutiveFailures,
		blockDuration: DefaultFailureBlockDuration,
	}
}

// Allow reports whether an attempt may proceed now
func (g *ActivationGuard) Allow() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.now()
	if now.Before(g.blockedUntil) {
		g.rejected++
		return false
	}
	if !g.limiter.AllowN(now, 1) {
		g.rejected++
		return false
	}
	return true
}

// RecordAttempt records the result of an attempt that reached the server.
// Success resets the failure run.
func (g *ActivationGuard) RecordAttempt(success bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if success {
		g.failures = 0
		g.blockedUntil = time.Time{}
		return
	}
	g.failures++
	if g.failures >= g.maxFailures {
		g.blockedUntil = g.now().Add(g.blockDuration)
		g.failures = 0
	}
}

// IsBlocked reports whether a failure run currently blocks activation
func (g *ActivationGuard) IsBlocked() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.now().Before(g.blockedUntil)
}

// GetStats returns guard statistics
func (g *ActivationGuard) GetStats() map[string]interface{} {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	stats := map[string]interface{}{
		"consecutive_failures": g.failures,
		"max_failures":         g.maxFailures,
		"rejected_attempts":    g.rejected,
		"blocked":              g.now().Before(g.blockedUntil),
		"tokens_available":     g.limiter.TokensAt(g.now()),
	}
	if !g.blockedUntil.IsZero() {
		stats["blocked_until"] = g.blockedUntil
	}
	return stats
}
