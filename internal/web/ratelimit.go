package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter applies a per-IP request budget of max requests per window,
// implemented as one token bucket per source IP (sustained rate max/window,
// burst max).
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	limit   rate.Limit
	burst   int
}

type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// pruneThreshold bounds the per-limiter bucket map; entries idle for longer
// than pruneAge are evicted when the map grows past it.
const (
	pruneThreshold = 4096
	pruneAge       = 10 * time.Minute
)

func newIPLimiter(max int, window time.Duration) *ipLimiter {
	return &ipLimiter{
		buckets: make(map[string]*ipBucket),
		limit:   rate.Limit(float64(max) / window.Seconds()),
		burst:   max,
	}
}

// allow consumes one token from ip's bucket.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= pruneThreshold {
			l.prune(now)
		}
		b = &ipBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.Allow()
}

// prune evicts idle buckets. Caller holds the lock.
func (l *ipLimiter) prune(now time.Time) {
	for ip, b := range l.buckets {
		if now.Sub(b.seen) > pruneAge {
			delete(l.buckets, ip)
		}
	}
}

// wrap answers 429 for requests over the budget.
func (l *ipLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(remoteIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteIP extracts the host part of the request's remote address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
