package bot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per contact so a flood from a
// single number cannot monopolize the model while other conversations
// run normally.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

// Allow consumes one token for the contact, creating its bucket on
// first sight.
func (l *RateLimiter) Allow(contactNumber string) bool {
	l.mu.Lock()
	v, ok := l.visitors[contactNumber]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[contactNumber] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	return v.lim.Allow()
}

// Cleanup drops buckets idle longer than maxAge.
func (l *RateLimiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for num, v := range l.visitors {
		if now.Sub(v.lastSeen) > maxAge {
			delete(l.visitors, num)
		}
	}
}
