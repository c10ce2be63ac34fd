package main

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haasonsaas/dirsync/pkg/apierr"
)

type rateRecord struct {
	count  int
	reset  time.Time
	window time.Duration
}

// RateLimiter tracks per-key request usage within a fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord), now: time.Now}
}

// Allow returns true if the caller may proceed under the provided limit and window.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec := rl.entries[key]
	if rec.window == 0 || now.After(rec.reset) {
		rec.count = 0
		rec.window = window
		rec.reset = now.Add(window)
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

// Prune drops windows that have elapsed.
func (rl *RateLimiter) Prune() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, key)
			removed++
		}
	}
	return removed
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}

// rateLimited wraps handler with a limit of limit calls per window for
// each key returned by keyFn.
func (s *Server) rateLimited(name string, limit int, window time.Duration, keyFn func(*gin.Context) string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := name + ":" + keyFn(c)
		if !s.rateLimiter.Allow(key, limit, window) {
			err := apierr.Transient(nil, s.now().Add(window), "too many requests")
			respondError(c, err, s.logger)
			return
		}
		handler(c)
	}
}
