package core

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"billingsync/internal/types"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepInterval = 5 * time.Minute
)

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PrincipalLimiter holds one token bucket per caller. Idle buckets are swept
// by a background goroutine until Stop is called.
type PrincipalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPrincipalLimiter allows perMinute requests per caller with the given
// burst. A non-positive perMinute disables limiting and returns nil.
func NewPrincipalLimiter(perMinute, burst int) *PrincipalLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	l := &PrincipalLimiter{
		limiters: make(map[string]*keyedLimiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *PrincipalLimiter) sweep() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *PrincipalLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-limiterIdleTTL)
	for key, kl := range l.limiters {
		if kl.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

// Stop ends the sweeper. Safe to call more than once and on a nil limiter.
func (l *PrincipalLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow consumes one token for key. When the bucket is empty it returns false
// and how long the caller should wait before retrying.
func (l *PrincipalLimiter) Allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	kl, ok := l.limiters[key]
	if !ok {
		kl = &keyedLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = kl
	}
	kl.lastSeen = now
	l.mu.Unlock()

	res := kl.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Tokens reports the tokens left in key's bucket, or the burst for an unseen key.
func (l *PrincipalLimiter) Tokens(key string) int {
	l.mu.Lock()
	kl, ok := l.limiters[key]
	l.mu.Unlock()
	if !ok {
		return l.burst
	}
	return int(math.Max(0, math.Floor(kl.limiter.TokensAt(l.now()))))
}

// RateLimit throttles requests per authenticated principal, falling back to
// the client IP for public routes. Rejected requests get 429 with a
// Retry-After header.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter == nil || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := "ip:" + extractClientIP(r)
		if p, ok := types.GetPrincipal(r.Context()); ok {
			key = "principal:" + p.ID
		}

		allowed, wait := s.Limiter.Allow(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.Config.Security.RateLimitPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.Limiter.Tokens(key)))

		if !allowed {
			s.Logger.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("key", key),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			JSON(w, r, http.StatusTooManyRequests,
				newErrorResponse(r, types.ErrCodeRateLimit, "Rate limit exceeded. Please retry later."))
			return
		}

		next.ServeHTTP(w, r)
	})
}
