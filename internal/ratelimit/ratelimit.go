package ratelimit

import (
	"sync"
	"time"
)

// RateLimit guards the voucher-redemption and free-trial endpoints
// against farming from a single address.
type RateLimit interface {
	Allow(addr string) bool
}

type windowData struct {
	count       int
	windowStart time.Time
}

type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string]*windowData
	mutex       sync.Mutex
}

func New(maxRequests int, interval time.Duration) RateLimit {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      interval,
		requests:    make(map[string]*windowData),
	}
}

func (rl *FixedWindowLimiter) Allow(addr string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	wd := rl.requests[addr]

	// no data, or the previous window has passed
	if wd == nil || now.Sub(wd.windowStart) > rl.window {
		if rl.maxRequests == 0 {
			return false
		}

		rl.requests[addr] = &windowData{count: 1, windowStart: now}
		return true
	}

	if wd.count >= rl.maxRequests {
		return false
	}
	wd.count++

	return true
}
