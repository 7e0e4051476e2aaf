package http

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	authmw "github.com/mind-engage/mindengage-webwork/internal/auth/middleware"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles each authenticated subject, falling back to the client address.
// Idle entries are dropped after 10 minutes.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	every    rate.Limit
	burst    int
	now      func() time.Time
	swept    time.Time
}

const visitorIdle = 10 * time.Minute

func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors: map[string]*visitor{},
		every:    rate.Every(time.Minute / time.Duration(max(perMinute, 1))),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.swept) > visitorIdle {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(l.visitors, k)
			}
		}
		l.swept = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.every, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := authmw.SubjectFromContext(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !l.allow(key) {
			respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
