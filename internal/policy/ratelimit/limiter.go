// Package ratelimit paces queries per WHOIS server with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per server name.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int

	delayed atomic.Int64
}

// Config holds limiter settings. A non-positive RPS disables pacing.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      r,
		burst:    burst,
	}
}

// Wait blocks until server may be queried again or ctx ends.
func (l *Limiter) Wait(ctx context.Context, server string) error {
	key := strings.ToLower(strings.TrimSpace(server))
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait %s: %w", key, err)
	}
	if time.Since(start) > time.Millisecond {
		l.delayed.Add(1)
	}
	return nil
}

// Delayed returns how many waits actually blocked.
func (l *Limiter) Delayed() int64 { return l.delayed.Load() }
