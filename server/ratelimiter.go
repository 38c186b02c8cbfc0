package server

import (
	"sync"
	"time"
)

// RateLimiter is a per-client sliding window limiter. Windows are tracked
// as timestamp slices; entries older than the window are pruned on every
// check, so memory stays proportional to recent traffic.
type RateLimiter struct {
	window  time.Duration
	max     int
	nowFunc func() time.Time

	lock    sync.Mutex
	clients map[string][]time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window:  window,
		max:     max,
		nowFunc: time.Now,
		clients: make(map[string][]time.Time),
	}
}

// Allow reports whether the client may proceed and records the request
// when it may.
func (l *RateLimiter) Allow(client string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.nowFunc()
	cutoff := now.Add(-l.window)

	recent := l.clients[client][:0]
	for _, ts := range l.clients[client] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= l.max {
		l.clients[client] = recent
		return false
	}
	l.clients[client] = append(recent, now)
	return true
}
