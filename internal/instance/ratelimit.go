package instance

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// systemTenant bypasses rate limiting entirely.
const systemTenant = "0"

const idleGCThreshold = 6 * time.Hour

// RateLimiter is a per-tenant token bucket with idle garbage collection,
// owned exclusively by the Instance Controller actor. It is not an actor itself — callers already run on the
// controller's single goroutine, so a plain mutex-free map suffices as
// long as that invariant holds; the mutex here only guards against
// tests exercising it directly from multiple goroutines.
type RateLimiter struct {
	mu       sync.Mutex
	capacity int
	limiters map[string]*tenantLimiter
}

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewRateLimiter builds a limiter with the given bucket capacity;
// refill rate is capacity per second.
func NewRateLimiter(capacity int) *RateLimiter {
	return &RateLimiter{
		capacity: capacity,
		limiters: map[string]*tenantLimiter{},
	}
}

// Allow reports whether tenantID may proceed with a Schedule request.
// The system tenant and rescheduled requests always bypass the limiter.
func (r *RateLimiter) Allow(tenantID string, rescheduled bool) bool {
	if tenantID == systemTenant || rescheduled {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tl, exists := r.limiters[tenantID]
	if !exists {
		tl = &tenantLimiter{limiter: rate.NewLimiter(rate.Limit(r.capacity), r.capacity)}
		r.limiters[tenantID] = tl
	}
	tl.lastUsed = time.Now()
	return tl.limiter.Allow()
}

// GC removes limiters idle for longer than idleGCThreshold. Intended to be
// called periodically from the controller's own timer, not concurrently
// with Allow.
func (r *RateLimiter) GC(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for tenant, tl := range r.limiters {
		if now.Sub(tl.lastUsed) > idleGCThreshold {
			delete(r.limiters, tenant)
			removed++
		}
	}
	return removed
}
