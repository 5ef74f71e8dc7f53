package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter enforces a maximum number of events within a time window.
// The websocket upgrade handler keys one per transport id (via PerKeyLimiter)
// so a single misbehaving client can't spin up reconnect churn against the engine.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per window.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if window <= 0 || limit <= 0 {
		return &SlidingWindowLimiter{window: window, limit: limit}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
	}
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// PerKeyLimiter fans a SlidingWindowLimiter template out across an
// arbitrary key space (here, transport ids), creating a fresh limiter for
// each key seen for the first time.
type PerKeyLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*SlidingWindowLimiter
}

// NewPerKeyLimiter constructs a PerKeyLimiter where each key gets its own
// window/limit pair.
func NewPerKeyLimiter(window time.Duration, limit int, timeSource func() time.Time) *PerKeyLimiter {
	return &PerKeyLimiter{
		window:   window,
		limit:    limit,
		now:      timeSource,
		limiters: make(map[string]*SlidingWindowLimiter),
	}
}

// Allow reports whether key may proceed, creating its limiter on first use.
func (p *PerKeyLimiter) Allow(key string) bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	limiter, ok := p.limiters[key]
	if !ok {
		limiter = NewSlidingWindowLimiter(p.window, p.limit, p.now)
		p.limiters[key] = limiter
	}
	p.mu.Unlock()
	return limiter.Allow()
}
