package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxLimiterKeys bounds the per-key map. When it fills up the map is reset,
// which briefly forgives everyone rather than growing without bound.
const maxLimiterKeys = 4096

// RateLimiter admits requests per key (tenant) at a fixed requests-per-minute.
// rpm <= 0 disables limiting.
type RateLimiter struct {
	mu       sync.Mutex
	rpm      int
	burst    int
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{rpm: rpm, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Enabled reports whether requests are being limited.
func (l *RateLimiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rpm > 0
}

// Allow reports whether one request for key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	if l.rpm <= 0 {
		l.mu.Unlock()
		return true
	}
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxLimiterKeys {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Limit(float64(l.rpm)/60), l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// SetRPM changes the rate. Existing keys are adjusted in place.
func (l *RateLimiter) SetRPM(rpm int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rpm == l.rpm {
		return
	}
	l.rpm = rpm
	if rpm <= 0 {
		l.limiters = make(map[string]*rate.Limiter)
		return
	}
	for _, lim := range l.limiters {
		lim.SetLimit(rate.Limit(float64(rpm) / 60))
	}
}
