package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"paddlearena/server/internal/logging"
)

// IPRateLimiter keeps one token bucket per client address.
type IPRateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewIPRateLimiter allows perSecond sustained requests per address with the given burst. A
// non-positive rate disables limiting.
func NewIPRateLimiter(perSecond float64, burst int, timeSource func() time.Time) *IPRateLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     timeSource,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether key may proceed under the current rate limits.
func (l *IPRateLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// Prune forgets addresses idle for longer than maxIdle and returns how many were dropped.
func (l *IPRateLimiter) Prune(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}

// Middleware rejects requests over the limit with 429.
func (l *IPRateLimiter) Middleware(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.L()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			if !l.Allow(addr) {
				logger.Warn("request rate limited", logging.String("remote_addr", addr), logging.String("path", r.URL.Path))
				writeError(w, http.StatusTooManyRequests, "rate-limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
