package router

import (
	"sync"
	"time"
)

// RateLimiter implements per-IP rate limiting with a sliding window.
type RateLimiter struct {
	mu                sync.Mutex
	limits            map[string][]int64
	maxRequestsPerMin int
	stopCleanup       chan struct{}
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		limits:            make(map[string][]int64),
		maxRequestsPerMin: maxRequestsPerMinute,
		stopCleanup:       make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// CheckLimit reports whether a request from the given IP is allowed and
// records it when it is.
func (rl *RateLimiter) CheckLimit(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()

	valid := rl.limits[ip][:0]
	for _, reqTime := range rl.limits[ip] {
		if now-reqTime < 60_000 {
			valid = append(valid, reqTime)
		}
	}
	rl.limits[ip] = valid

	if len(valid) >= rl.maxRequestsPerMin {
		return false
	}

	rl.limits[ip] = append(valid, now)
	return true
}

// GetRetryAfter returns the seconds until the window has room again.
func (rl *RateLimiter) GetRetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	requests := rl.limits[ip]
	if len(requests) == 0 {
		return 0
	}

	now := time.Now().UnixMilli()
	retryAfterMs := 60_000 - (now - requests[0])
	if retryAfterMs < 0 {
		return 0
	}
	return int((retryAfterMs + 999) / 1000)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			cutoff := time.Now().UnixMilli() - 60_000
			rl.mu.Lock()
			for ip, requests := range rl.limits {
				if len(requests) == 0 || requests[len(requests)-1] < cutoff {
					delete(rl.limits, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop terminates the cleanup loop.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}
