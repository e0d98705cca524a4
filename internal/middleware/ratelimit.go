package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// RateLimiter is an in-memory sliding-window limiter keyed by an arbitrary string
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	window   time.Duration
	maxReqs  int
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing maxReqs per window per key. Stale keys are
// swept until ctx is done.
func NewRateLimiter(ctx context.Context, window time.Duration, maxReqs int) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		maxReqs:  maxReqs,
		now:      time.Now,
	}
	go rl.sweep(ctx)
	return rl
}

// Allow records a request for key and reports whether it is within the limit
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := keepAfter(rl.requests[key], now.Add(-rl.window))
	if len(recent) >= rl.maxReqs {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	interval := rl.window
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		cutoff := rl.now().Add(-rl.window)
		for key, reqs := range rl.requests {
			if recent := keepAfter(reqs, cutoff); len(recent) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = recent
			}
		}
		rl.mu.Unlock()
	}
}

// keepAfter drops timestamps at or before cutoff; reqs is in ascending order
func keepAfter(reqs []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(reqs) && !reqs[i].After(cutoff) {
		i++
	}
	return reqs[i:]
}

// RateLimit rejects requests over the limit with 429
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(keyFunc(r)) {
				respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DriverChannelKey limits per driver and channel, read from the {id} and {channel} route params.
// Issue and verify get separate budgets through prefix.
func DriverChannelKey(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		return prefix + ":" + chi.URLParam(r, "id") + ":" + chi.URLParam(r, "channel")
	}
}

// IPKey limits per client address; use behind chi's RealIP
func IPKey(r *http.Request) string {
	return "ip:" + r.RemoteAddr
}
