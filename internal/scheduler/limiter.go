package scheduler

import (
	"sync"

	"golang.org/x/time/rate"
)

// BootLimiter throttles how fast the Scheduler spawns new Workers, keyed
// by a fixed key ("dispatch"). Adapted from the teacher's per-node
// TokenBucketLimiter: same token-bucket-per-key shape, collapsed to a
// single global key since this system dispatches from one process, not
// one bucket per remote node.
type BootLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewBootLimiter creates a limiter allowing r dispatches/sec with burst b.
func NewBootLimiter(r float64, b int) *BootLimiter {
	return &BootLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether a dispatch for key may proceed right now.
func (l *BootLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim.Allow()
}
