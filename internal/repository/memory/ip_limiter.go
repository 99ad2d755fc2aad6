package memory

import (
	"context"
	"sync"
	"time"

	"phone-auth-service/internal/model"
	"phone-auth-service/internal/util"
)

type ipWindow struct {
	count        int
	firstRequest time.Time
	blocked      bool
}

// IPLimiter is the process-local fixed-window limiter.
type IPLimiter struct {
	mu          sync.Mutex
	entries     map[string]*ipWindow
	window      time.Duration
	maxRequests int
	now         func() time.Time
}

func NewIPLimiter(window time.Duration, maxRequests int) *IPLimiter {
	return &IPLimiter{
		entries:     make(map[string]*ipWindow),
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (l *IPLimiter) WithClock(now func() time.Time) *IPLimiter {
	l.now = now
	return l
}

func (l *IPLimiter) Check(_ context.Context, ip string) (model.IPDecision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[ip]
	if !ok || now.Sub(entry.firstRequest) > l.window {
		l.entries[ip] = &ipWindow{count: 1, firstRequest: now}
		return model.IPDecision{Allowed: true}, nil
	}

	if entry.blocked {
		return model.IPDecision{RetryAfter: l.remaining(entry, now)}, nil
	}

	entry.count++
	if entry.count > l.maxRequests {
		entry.blocked = true
		util.Warn("IP blocked for OTP issuance",
			util.String("ip", ip),
			util.Int("max_requests", l.maxRequests),
		)
		return model.IPDecision{RetryAfter: l.remaining(entry, now)}, nil
	}

	return model.IPDecision{Allowed: true}, nil
}

func (l *IPLimiter) remaining(entry *ipWindow, now time.Time) time.Duration {
	left := entry.firstRequest.Add(l.window).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Sweep drops windows that have fully elapsed and returns how many went.
func (l *IPLimiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, entry := range l.entries {
		if now.Sub(entry.firstRequest) > l.window {
			delete(l.entries, ip)
			removed++
		}
	}
	return removed
}

func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
