package server

import (
	"sync"
	"time"
)

// rateLimiter is a token bucket throttling inbound frames on one connection.
type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

// newRateLimiter returns nil when cfg.Burst is zero; a nil limiter allows everything.
func newRateLimiter(cfg RateLimitConfig, now time.Time) *rateLimiter {
	if cfg.Burst <= 0 {
		return nil
	}

	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	capacity := float64(cfg.Burst)
	return &rateLimiter{
		tokens:    capacity,
		capacity:  capacity,
		rate:      capacity / interval.Seconds(),
		lastCheck: now,
	}
}

func (rl *rateLimiter) allow(now time.Time) bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elapsed := now.Sub(rl.lastCheck).Seconds(); elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}
	rl.lastCheck = now

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}
