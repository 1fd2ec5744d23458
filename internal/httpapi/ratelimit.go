package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter applies a per-client-IP token bucket ahead of the weather
// handler. The bucket refills at the configured per-minute rate and allows
// a burst of the same size.
type ipLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	perMinute int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const clientIdleEviction = 10 * time.Minute

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		clients:   make(map[string]*clientBucket),
		perMinute: perMinute,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[ip]
	if !ok {
		b = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(l.perMinute)/60, l.perMinute),
		}
		l.clients[ip] = b
		l.pruneLocked()
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// pruneLocked drops buckets idle past the eviction horizon so the map does
// not grow with one entry per client ever seen.
func (l *ipLimiter) pruneLocked() {
	cutoff := time.Now().Add(-clientIdleEviction)
	for ip, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Detail:    "Rate limit exceeded",
				ErrorType: "rate_limit_exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
